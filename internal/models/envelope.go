package models

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// EnvelopeType tags the closed set of real-time event variants. Receivers
// must treat unknown tags as ignorable, never as a connection error.
type EnvelopeType string

const (
	TypeSystem       EnvelopeType = "system"
	TypeChat         EnvelopeType = "chat"
	TypeMention      EnvelopeType = "mention"
	TypeCursor       EnvelopeType = "cursor"
	TypeNotification EnvelopeType = "notification"
)

var (
	ErrUnknownType   = errors.New("unknown envelope type")
	ErrMissingField  = errors.New("missing required field")
	ErrMalformedJSON = errors.New("malformed envelope")
)

// Envelope is the unit of fan-out. It only ever exists in transit: inbound
// from a socket, outbound to sockets, or serialized on a broker channel.
//
// Origin and ExcludeSender ride along on the published form so a remote
// process can re-deliver correctly: Origin lets a process skip envelopes it
// published itself (its local delivery already happened), ExcludeSender keeps
// a sender's own action from echoing back to it.
type Envelope struct {
	Type          EnvelopeType `json:"type"`
	RoomID        string       `json:"room_id,omitempty"`
	UserID        string       `json:"user_id"`
	Message       string       `json:"message,omitempty"`
	ExcludeSender bool         `json:"exclude_sender,omitempty"`
	Origin        string       `json:"origin,omitempty"`

	// mention
	TargetUserID string `json:"target_user_id,omitempty"`

	// cursor
	DocumentID string  `json:"document_id,omitempty"`
	Page       int     `json:"page,omitempty"`
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`

	// notification
	Kind string `json:"kind,omitempty"`
}

// Decode parses and validates an envelope from the wire. Unknown JSON fields
// are tolerated; a missing or unknown type, or a missing per-type required
// field, is an error the caller should log and drop.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate enforces the per-type required-field schema at the broadcaster
// boundary so downstream code never does ad hoc key checks.
func (e *Envelope) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user_id", ErrMissingField)
	}
	switch e.Type {
	case TypeSystem, TypeChat:
		if e.Message == "" {
			return fmt.Errorf("%w: message (%s)", ErrMissingField, e.Type)
		}
	case TypeMention:
		if e.Message == "" {
			return fmt.Errorf("%w: message (mention)", ErrMissingField)
		}
		if e.TargetUserID == "" {
			return fmt.Errorf("%w: target_user_id (mention)", ErrMissingField)
		}
	case TypeCursor:
		if e.DocumentID == "" {
			return fmt.Errorf("%w: document_id (cursor)", ErrMissingField)
		}
		if e.Page <= 0 {
			return fmt.Errorf("%w: page (cursor)", ErrMissingField)
		}
	case TypeNotification:
		if e.Message == "" {
			return fmt.Errorf("%w: message (notification)", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// Encode serializes the envelope for sockets and broker channels.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
