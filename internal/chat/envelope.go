package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Envelope kinds accepted from clients.
const (
	TypeJoin = "join"
	TypeChat = "chat"
)

var (
	// ErrMalformed marks an envelope that is not JSON or has no type.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType marks an envelope whose type is neither join nor chat.
	ErrUnknownType = errors.New("unknown envelope type")
	// ErrInvalid marks an envelope missing a field its type requires.
	ErrInvalid = errors.New("invalid envelope")
)

// Envelope is the inbound client message.
//
//	{"type":"join","carpoolId":"<room>"}
//	{"type":"chat","carpoolId":"<room>","userId":"<id>","name":"<display>","message":"<text>"}
type Envelope struct {
	Type      string `json:"type"`
	CarpoolID string `json:"carpoolId" validate:"required,max=256"`
	UserID    string `json:"userId,omitempty" validate:"max=256"`
	Name      string `json:"name,omitempty" validate:"max=256"`
	Message   string `json:"message,omitempty" validate:"required_if=Type chat"`
}

// PeekType returns the type field of raw, or "" if raw is not a JSON object.
func PeekType(raw []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Type
}

// decodeEnvelope parses raw and checks it against the rules of its type.
func decodeEnvelope(v *validator.Validate, raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeJoin, TypeChat:
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := v.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return env, nil
}
