// Package v1 defines the Relay Realtime Protocol v1 contract.
//
// Every socket event travels inside an Envelope whose Type is the event name.
// The package is shared between server and clients and stays dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for this contract.
const Subprotocol = "relay.realtime.v1"

// Inbound event types (client -> server).
const (
	// TypeRegisterUser binds the connection to an identity.
	TypeRegisterUser = "registerUser"
	// TypeJoinGroup subscribes the connection to a group room.
	TypeJoinGroup = "joinGroup"
	// TypeGroupMessage is rebroadcast to the other members of a group room.
	TypeGroupMessage = "groupMessage"
	// TypePrivateMessage persists and delivers a direct message.
	TypePrivateMessage = "privateMessage"
)

// Outbound event types (server -> client).
const (
	TypeRegistrationStatus    = "registrationStatus"
	TypeOnlineUsers           = "onlineUsers"
	TypeUserCount             = "userCount"
	TypeNewMessage            = "newMessage"
	TypeReceivePrivateMessage = "receivePrivateMessage"
	TypeReceiveGroupMessage   = "receiveGroupMessage"
	TypeError                 = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeRegisterUser,
		TypeJoinGroup,
		TypeGroupMessage,
		TypePrivateMessage,
		TypeRegistrationStatus,
		TypeOnlineUsers,
		TypeUserCount,
		TypeNewMessage,
		TypeReceivePrivateMessage,
		TypeReceiveGroupMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsInbound reports whether the envelope type is one a client may send.
func (e Envelope) IsInbound() bool {
	switch e.Type {
	case TypeRegisterUser, TypeJoinGroup, TypeGroupMessage, TypePrivateMessage:
		return true
	}
	return false
}
