package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

// Config wires a Relay.
type Config struct {
	// MaxConcurrentUsers is the registry ceiling (default 50).
	MaxConcurrentUsers int

	Store Store
	// Groups, when set, must know a group before it can be joined or written to.
	Groups GroupDirectory

	Logger  *slog.Logger
	Metrics *Metrics
}

// Relay owns the live state of one process and dispatches inbound events against it.
// It is constructed once at start-up and handed to the transport; there are no package globals.
type Relay struct {
	log *slog.Logger

	Registry    *Registry
	Rooms       *Rooms
	Sessions    *Sessions
	Resolver    *ConversationResolver
	Pipeline    *Pipeline
	Broadcaster *Broadcaster

	groups GroupDirectory
}

// New builds a Relay from cfg.
func New(cfg Config) (*Relay, error) {
	if cfg.Store == nil {
		return nil, errors.New("realtime: nil store")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	registry := NewRegistry(cfg.MaxConcurrentUsers, cfg.Metrics)
	rooms := NewRooms(log, cfg.Metrics)
	sessions := NewSessions()
	resolver := NewConversationResolver(cfg.Store, log, cfg.Metrics)

	return &Relay{
		log:         log,
		Registry:    registry,
		Rooms:       rooms,
		Sessions:    sessions,
		Resolver:    resolver,
		Pipeline:    NewPipeline(cfg.Store, cfg.Groups, resolver, log, cfg.Metrics),
		Broadcaster: NewBroadcaster(registry, rooms, sessions, log, cfg.Metrics),
		groups:      cfg.Groups,
	}, nil
}

// EventError is a recoverable per-event failure reported back to the sender as an error event.
type EventError struct {
	Code    string
	Message string
	Err     error
}

func (e *EventError) Error() string {
	if e.Err == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }

func eventErr(code, msg string, err error) *EventError {
	return &EventError{Code: code, Message: msg, Err: err}
}

// Attach starts tracking a freshly accepted connection.
func (r *Relay) Attach(c *Client) {
	r.Sessions.Add(c)
}

// Snapshot returns the current registry occupancy.
func (r *Relay) Snapshot() Snapshot {
	return r.Registry.Snapshot()
}

// Handle dispatches one inbound envelope from c.
//
// A returned CapacityError means the caller must reject and close the transport.
// An *EventError should be reported to c; any other error is internal.
func (r *Relay) Handle(ctx context.Context, c *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeRegisterUser:
		var p v1.RegisterUserPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return eventErr(v1.ErrCodeInvalidPayload, "invalid registerUser payload", err)
		}
		_, err := r.Register(c, p.Identity)
		return err

	case v1.TypeJoinGroup:
		var p v1.JoinGroupPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return eventErr(v1.ErrCodeInvalidPayload, "invalid joinGroup payload", err)
		}
		return r.JoinGroup(ctx, c, p.GroupID)

	case v1.TypeGroupMessage:
		_, err := r.GroupMessage(c, env.Payload)
		return err

	case v1.TypePrivateMessage:
		var p v1.PrivateMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return eventErr(v1.ErrCodeInvalidPayload, "invalid privateMessage payload", err)
		}
		_, err := r.PrivateMessage(ctx, c, p)
		return err

	default:
		return eventErr(v1.ErrCodeUnsupported, "unsupported message type", nil)
	}
}

// Register binds identity to c, answers with registrationStatus and broadcasts presence.
//
// Capacity rejections are returned without replying: the transport writes the rejection
// itself before closing, so the status cannot be lost behind the queue.
func (r *Relay) Register(c *Client, identity string) (RegistrationResult, error) {
	res, err := r.Registry.Register(identity, c)
	switch {
	case err == nil:
	case IsCapacityExceeded(err):
		r.log.Warn("registry.register.capacity", "session_id", c.SessionID, "identity", strings.TrimSpace(identity), "err", err)
		return RegistrationResult{}, err
	case errors.Is(err, ErrInvalidIdentity):
		r.log.Info("registry.register.invalid", "session_id", c.SessionID, "err", err)
		r.Broadcaster.Reply(c, v1.TypeRegistrationStatus, v1.RegistrationStatusPayload{
			Success: false,
			Message: "Identity must be a non-empty string.",
			Code:    v1.CodeInvalidIdentity,
		})
		return RegistrationResult{}, err
	default:
		return RegistrationResult{}, err
	}

	msg := "Connected successfully"
	if res.Status == StatusReconnected {
		msg = "Reconnected successfully"
	}
	r.Broadcaster.Reply(c, v1.TypeRegistrationStatus, v1.RegistrationStatusPayload{Success: true, Message: msg})
	r.Broadcaster.BroadcastPresence()

	r.log.Info("registry.register.ok",
		"session_id", c.SessionID,
		"identity", res.Identity,
		"status", res.Status,
		"current", res.Current,
		"max", res.Max,
	)
	return res, nil
}

// RegistrationRejection builds the registrationStatus event for a refused registration.
func RegistrationRejection(err error) (v1.Envelope, error) {
	payload := v1.RegistrationStatusPayload{Success: false, Message: "Registration failed."}
	var ce CapacityError
	if errors.As(err, &ce) {
		payload.Message = fmt.Sprintf("Server is at capacity. Maximum %d users allowed.", ce.Max)
		payload.Code = v1.CodeUserLimitExceeded
	}
	return buildEnvelope(v1.TypeRegistrationStatus, payload, time.Now())
}

// JoinGroup subscribes c to the room of groupID.
func (r *Relay) JoinGroup(ctx context.Context, c *Client, groupID v1.GroupID) error {
	g, ok := NormalizeGroupID(groupID)
	if !ok {
		return eventErr(v1.ErrCodeInvalidPayload, "groupId is required", nil)
	}

	if r.groups != nil {
		exists, err := r.groups.GroupExists(ctx, g.String())
		if err != nil {
			r.log.Error("rooms.join.lookup.fail", "group_id", g, "err", err)
			return eventErr(v1.ErrCodeJoinFailed, "group lookup failed", err)
		}
		if !exists {
			return eventErr(v1.ErrCodeJoinFailed, "unknown group", NotFoundError{Resource: "group", ID: g.String()})
		}
	}

	r.Rooms.Join(c, g)
	return nil
}

// GroupMessage echoes the raw payload to the other members of its room. It does not persist.
func (r *Relay) GroupMessage(c *Client, payload json.RawMessage) (int, error) {
	var h v1.GroupMessageHeader
	if err := json.Unmarshal(payload, &h); err != nil {
		return 0, eventErr(v1.ErrCodeInvalidPayload, "groupMessage payload must be an object with groupId", err)
	}
	g, ok := NormalizeGroupID(h.GroupID)
	if !ok {
		return 0, eventErr(v1.ErrCodeInvalidPayload, "groupId is required", nil)
	}
	return r.Broadcaster.DeliverGroup(g, payload, c), nil
}

// PrivateMessage persists a direct message from c and delivers it.
// The sender must be registered; From, when given, must match the registered identity.
func (r *Relay) PrivateMessage(ctx context.Context, c *Client, p v1.PrivateMessagePayload) (PersistedMessage, error) {
	identity, ok := r.Registry.IdentityOf(c)
	if !ok {
		return PersistedMessage{}, eventErr(v1.ErrCodeNotRegistered, "register before sending messages", ErrNotRegistered)
	}
	from := strings.TrimSpace(p.From)
	if from == "" {
		from = identity
	}
	if from != identity {
		return PersistedMessage{}, eventErr(v1.ErrCodeInvalidPayload, "from does not match the registered identity", ErrInvalidMessage)
	}

	msg, err := r.Pipeline.Send(ctx, PrivateMessageInput{
		From:          from,
		To:            p.To,
		Text:          p.Text,
		AttachmentURL: p.AttachmentURL,
	})
	if errors.Is(err, ErrInvalidMessage) {
		return PersistedMessage{}, eventErr(v1.ErrCodeInvalidPayload, err.Error(), err)
	}
	if err != nil {
		return PersistedMessage{}, eventErr(v1.ErrCodeSendFailed, "message could not be stored", err)
	}

	n := r.Broadcaster.DeliverPrivate(msg)
	r.log.Info("pipeline.private.ok",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"from", msg.From,
		"to", msg.To,
		"delivered", n,
	)
	return msg, nil
}

// SendGroup persists a group message submitted outside the socket path.
func (r *Relay) SendGroup(ctx context.Context, in GroupMessageInput) (PersistedGroupMessage, error) {
	return r.Pipeline.SendGroup(ctx, in)
}

// Disconnect forgets c: its identity (unless a reconnect already took it over), its room
// memberships and its session. Presence is re-broadcast when an identity left.
func (r *Relay) Disconnect(c *Client) {
	if c == nil {
		return
	}
	c.Close()
	r.Sessions.Remove(c)
	r.Rooms.Release(c)

	identity, ok := r.Registry.Unregister(c)
	if !ok {
		return
	}
	r.log.Info("registry.unregister.ok", "session_id", c.SessionID, "identity", identity)
	r.Broadcaster.BroadcastPresence()
}
