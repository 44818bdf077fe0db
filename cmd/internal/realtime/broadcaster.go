package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

// Broadcaster turns persisted messages and registry changes into outbound events.
// Delivery is best effort: a missing or saturated connection simply does not receive.
type Broadcaster struct {
	registry *Registry
	rooms    *Rooms
	sessions *Sessions
	log      *slog.Logger
	metrics  *Metrics

	// presenceMu makes snapshot plus enqueue atomic, so the last presence event every
	// session sees is the newest registry state.
	presenceMu sync.Mutex

	now func() time.Time
}

// NewBroadcaster wires a broadcaster over the live-connection state.
func NewBroadcaster(registry *Registry, rooms *Rooms, sessions *Sessions, log *slog.Logger, metrics *Metrics) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		rooms:    rooms,
		sessions: sessions,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// BroadcastPresence snapshots the registry and sends onlineUsers and userCount to every
// open session.
func (b *Broadcaster) BroadcastPresence() {
	b.presenceMu.Lock()
	defer b.presenceMu.Unlock()

	snap := b.registry.Snapshot()
	users := v1.OnlineUsersPayload(snap.Identities)
	if users == nil {
		users = v1.OnlineUsersPayload{}
	}

	online, err := b.envelope(v1.TypeOnlineUsers, users)
	if err != nil {
		b.log.Error("broadcast.presence.encode.fail", "err", err)
		return
	}
	count, err := b.envelope(v1.TypeUserCount, v1.UserCountPayload{Current: snap.Count, Max: snap.Max})
	if err != nil {
		b.log.Error("broadcast.presence.encode.fail", "err", err)
		return
	}

	n := 0
	for _, c := range b.sessions.Clients() {
		if c.Enqueue(online) {
			n++
		}
		c.Enqueue(count)
	}
	b.metrics.delivered(v1.TypeOnlineUsers, n)
}

// DeliverPrivate announces msg to every session and hands the full payload to the live
// connections of the recipient and, if it is a different connection, of the sender.
// It returns how many connections got the full payload (0, 1 or 2).
func (b *Broadcaster) DeliverPrivate(msg PersistedMessage) int {
	hint, err := b.envelope(v1.TypeNewMessage, v1.NewMessagePayload{From: msg.From, To: msg.To})
	if err != nil {
		b.log.Error("broadcast.private.encode.fail", "err", err)
		return 0
	}
	full, err := b.envelope(v1.TypeReceivePrivateMessage, v1.ReceivePrivateMessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		From:           msg.From,
		To:             msg.To,
		Text:           msg.Text,
		Timestamp:      msg.Timestamp,
		AttachmentURL:  msg.AttachmentURL,
	})
	if err != nil {
		b.log.Error("broadcast.private.encode.fail", "err", err)
		return 0
	}

	notified := 0
	for _, c := range b.sessions.Clients() {
		if c.Enqueue(hint) {
			notified++
		}
	}
	b.metrics.delivered(v1.TypeNewMessage, notified)

	delivered := 0
	recipient, recipientLive := b.registry.Lookup(msg.To)
	if recipientLive && recipient.Enqueue(full) {
		delivered++
	}
	if sender, ok := b.registry.Lookup(msg.From); ok && sender != recipient {
		if sender.Enqueue(full) {
			delivered++
		}
	}
	b.metrics.delivered(v1.TypeReceivePrivateMessage, delivered)

	if !recipientLive {
		b.log.Debug("broadcast.private.recipient_offline", "to", msg.To, "message_id", msg.ID)
	}
	return delivered
}

// DeliverGroup echoes payload to every member of groupID's room except origin.
func (b *Broadcaster) DeliverGroup(groupID v1.GroupID, payload json.RawMessage, origin *Client) int {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeReceiveGroupMessage,
		ID:      NewEnvelopeID(b.now()),
		TS:      b.now().UTC(),
		Payload: payload,
	}
	n := b.rooms.Broadcast(groupID, env, origin)
	b.metrics.delivered(v1.TypeReceiveGroupMessage, n)
	return n
}

// Reply sends a single event to one connection.
func (b *Broadcaster) Reply(c *Client, typ string, payload any) bool {
	env, err := b.envelope(typ, payload)
	if err != nil {
		b.log.Error("broadcast.reply.encode.fail", "type", typ, "err", err)
		return false
	}
	return c.Enqueue(env)
}

func (b *Broadcaster) envelope(typ string, payload any) (v1.Envelope, error) {
	return buildEnvelope(typ, payload, b.now())
}

func buildEnvelope(typ string, payload any, now time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		TS:      now.UTC(),
		Payload: raw,
	}, nil
}
