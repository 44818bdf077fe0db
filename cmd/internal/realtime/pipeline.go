package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// PrivateMessageInput is a direct message as received from a client. Text may be empty.
type PrivateMessageInput struct {
	From          string  `validate:"required,max=255"`
	To            string  `validate:"required,max=255"`
	Text          string  `validate:"max=4000"`
	AttachmentURL *string `validate:"omitempty,url,max=2048"`
}

// PersistedMessage is a stored direct message together with its conversation.
type PersistedMessage struct {
	ID             int64
	ConversationID int64
	From           string
	To             string
	Text           string
	Timestamp      time.Time
	AttachmentURL  *string
}

// GroupMessageInput is a group message submitted for storage.
// ClientTS is the time the client claims; it is stored for reference and never used for ordering.
type GroupMessageInput struct {
	GroupID       string  `validate:"required,max=255"`
	From          string  `validate:"required,max=255"`
	Text          string  `validate:"required_without=AttachmentURL,max=4000"`
	AttachmentURL *string `validate:"omitempty,url,max=2048"`
	ClientTS      *time.Time
}

// PersistedGroupMessage is a stored group message.
type PersistedGroupMessage struct {
	ID            int64
	GroupID       string
	From          string
	Text          string
	AttachmentURL *string
	Timestamp     time.Time
	ClientTS      *time.Time
}

// Pipeline validates, timestamps and persists messages.
// It never delivers; callers hand the result to a Broadcaster.
type Pipeline struct {
	store    Store
	groups   GroupDirectory
	resolver *ConversationResolver
	validate *validator.Validate
	log      *slog.Logger
	metrics  *Metrics

	now func() time.Time
}

// NewPipeline wires a pipeline. groups may be nil, in which case every group id is accepted.
func NewPipeline(store Store, groups GroupDirectory, resolver *ConversationResolver, log *slog.Logger, metrics *Metrics) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:    store,
		groups:   groups,
		resolver: resolver,
		validate: validator.New(),
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Send persists a direct message under the (From, To) conversation.
//
// The timestamp is read once here, in UTC and at microsecond precision, so the stored row and
// the emitted event carry the same value on every store. Once validated, the send ignores
// cancellation of ctx and runs to completion.
func (p *Pipeline) Send(ctx context.Context, in PrivateMessageInput) (PersistedMessage, error) {
	in.From = strings.TrimSpace(in.From)
	in.To = strings.TrimSpace(in.To)
	in.AttachmentURL = normalizeAttachment(in.AttachmentURL)

	if err := p.validate.Struct(in); err != nil {
		return PersistedMessage{}, invalidMessage(err)
	}
	ctx = context.WithoutCancel(ctx)

	ts := p.canonicalTime()

	convID, err := p.resolver.Resolve(ctx, in.From, in.To)
	if err != nil {
		p.log.Error("pipeline.private.resolve.fail", "from", in.From, "to", in.To, "err", err)
		return PersistedMessage{}, err
	}

	id, err := p.store.InsertMessage(ctx, InsertMessageInput{
		ConversationID: convID,
		Sender:         in.From,
		Text:           in.Text,
		Timestamp:      ts,
		AttachmentURL:  in.AttachmentURL,
	})
	if err != nil {
		p.metrics.persistenceFailed("insert_message")
		p.log.Error("pipeline.private.persist.fail", "conversation_id", convID, "from", in.From, "err", err)
		return PersistedMessage{}, persistenceErr("pipeline.InsertMessage", err)
	}
	p.metrics.persisted("private")

	return PersistedMessage{
		ID:             id,
		ConversationID: convID,
		From:           in.From,
		To:             in.To,
		Text:           in.Text,
		Timestamp:      ts,
		AttachmentURL:  in.AttachmentURL,
	}, nil
}

// SendGroup persists a group message. Conversation resolution does not apply to groups.
// An unknown group fails with NotFoundError when a GroupDirectory is configured.
func (p *Pipeline) SendGroup(ctx context.Context, in GroupMessageInput) (PersistedGroupMessage, error) {
	in.GroupID = strings.TrimSpace(in.GroupID)
	in.From = strings.TrimSpace(in.From)
	in.AttachmentURL = normalizeAttachment(in.AttachmentURL)

	if err := p.validate.Struct(in); err != nil {
		return PersistedGroupMessage{}, invalidMessage(err)
	}
	ctx = context.WithoutCancel(ctx)

	if p.groups != nil {
		ok, err := p.groups.GroupExists(ctx, in.GroupID)
		if err != nil {
			p.metrics.persistenceFailed("group_exists")
			return PersistedGroupMessage{}, persistenceErr("pipeline.GroupExists", err)
		}
		if !ok {
			return PersistedGroupMessage{}, NotFoundError{Resource: "group", ID: in.GroupID}
		}
	}

	ts := p.canonicalTime()
	var clientTS *time.Time
	if in.ClientTS != nil && !in.ClientTS.IsZero() {
		t := in.ClientTS.UTC().Truncate(time.Microsecond)
		clientTS = &t
	}

	id, err := p.store.InsertGroupMessage(ctx, InsertGroupMessageInput{
		GroupID:       in.GroupID,
		Sender:        in.From,
		Text:          in.Text,
		AttachmentURL: in.AttachmentURL,
		Timestamp:     ts,
		ClientTS:      clientTS,
	})
	if err != nil {
		p.metrics.persistenceFailed("insert_group_message")
		p.log.Error("pipeline.group.persist.fail", "group_id", in.GroupID, "from", in.From, "err", err)
		return PersistedGroupMessage{}, persistenceErr("pipeline.InsertGroupMessage", err)
	}
	p.metrics.persisted("group")

	return PersistedGroupMessage{
		ID:            id,
		GroupID:       in.GroupID,
		From:          in.From,
		Text:          in.Text,
		AttachmentURL: in.AttachmentURL,
		Timestamp:     ts,
		ClientTS:      clientTS,
	}, nil
}

func (p *Pipeline) canonicalTime() time.Time {
	return p.now().UTC().Truncate(time.Microsecond)
}

func normalizeAttachment(u *string) *string {
	if u == nil {
		return nil
	}
	s := strings.TrimSpace(*u)
	if s == "" {
		return nil
	}
	return &s
}

func invalidMessage(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: %s failed %q", ErrInvalidMessage, strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
}
