package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Registration status codes.
const (
	CodeUserLimitExceeded = "USER_LIMIT_EXCEEDED"
	CodeInvalidIdentity   = "INVALID_IDENTITY"
)

// Error payload codes.
const (
	ErrCodeBadJSON        = "bad_json"
	ErrCodeBadEnvelope    = "bad_envelope"
	ErrCodeUnsupported    = "unsupported"
	ErrCodeNotRegistered  = "not_registered"
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeSendFailed     = "send_failed"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeJoinFailed     = "join_failed"
)

// GroupID is a group identifier that decodes from either a JSON string or a JSON number.
// It is always carried in its string form.
type GroupID string

// UnmarshalJSON accepts both "g1" and 42; numbers keep their literal text.
func (g *GroupID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*g = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*g = GroupID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("groupId must be a string or a number")
	}
	*g = GroupID(n.String())
	return nil
}

func (g GroupID) String() string { return string(g) }

// ---- Inbound payloads ----

// RegisterUserPayload carries the identity to bind.
// On the wire it is either a bare JSON string or {"identity": "..."}.
type RegisterUserPayload struct {
	Identity string `json:"identity"`
}

// UnmarshalJSON accepts both the bare-string and the object form.
func (p *RegisterUserPayload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.Identity)
	}
	type alias RegisterUserPayload
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*p = RegisterUserPayload(a)
	return nil
}

// JoinGroupPayload carries the room to subscribe to.
// On the wire it is either a bare string/number or {"groupId": ...}.
type JoinGroupPayload struct {
	GroupID GroupID `json:"groupId"`
}

// UnmarshalJSON accepts both the bare-value and the object form.
func (p *JoinGroupPayload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '{' {
		return p.GroupID.UnmarshalJSON(b)
	}
	type alias JoinGroupPayload
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*p = JoinGroupPayload(a)
	return nil
}

// GroupMessageHeader is the routing part of a groupMessage payload.
// The full payload is echoed verbatim to the room.
type GroupMessageHeader struct {
	GroupID GroupID `json:"groupId"`
}

// PrivateMessagePayload requests persisting and delivering a direct message.
type PrivateMessagePayload struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	Text          string  `json:"text,omitempty"`
	AttachmentURL *string `json:"attachment_url,omitempty"`
}

// ---- Outbound payloads ----

// RegistrationStatusPayload answers a registerUser request.
type RegistrationStatusPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// OnlineUsersPayload is the ordered list of connected identities.
type OnlineUsersPayload []string

// UserCountPayload reports registry occupancy.
type UserCountPayload struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// NewMessagePayload is the body-less unread hint sent to every connection.
type NewMessagePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ReceivePrivateMessagePayload is the full direct message delivered to participants.
type ReceivePrivateMessagePayload struct {
	ID             int64     `json:"id,omitempty"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	AttachmentURL  *string   `json:"attachment_url"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
