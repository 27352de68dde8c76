// Package envelope defines the JSON messages exchanged with the event bus
// bridge and the codecs used to encode them.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Constants for Envelope Type
const (
	TypeRegister   = "register"
	TypeUnregister = "unregister"
	TypeSend       = "send"
	TypePublish    = "publish"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeMessage    = "message" // Delivery to a registered address
	TypeReceive    = "rec"     // Older bridges use "rec" for deliveries
	TypeError      = "err"
)

var errMissingType = errors.New("envelope: missing type")

// Envelope is one protocol message. Outbound envelopes only populate the
// fields their type allows, see the New* constructors.
type Envelope struct {
	Type         string            `json:"type"`
	Address      string            `json:"address,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`

	// Populated on "err" envelopes only.
	Message     string `json:"message,omitempty"`
	FailureCode int    `json:"failureCode,omitempty"`
	FailureType string `json:"failureType,omitempty"`
}

// NewRegister creates a register envelope for address.
func NewRegister(address string) *Envelope {
	return &Envelope{Type: TypeRegister, Address: address}
}

// NewUnregister creates an unregister envelope for address.
func NewUnregister(address string) *Envelope {
	return &Envelope{Type: TypeUnregister, Address: address}
}

// NewPing creates a keepalive envelope.
func NewPing() *Envelope {
	return &Envelope{Type: TypePing}
}

// NewSend creates a point-to-point envelope. replyAddress may be empty.
// The body is marshalled with codec; a nil body is sent as JSON null.
func NewSend(codec Codec, address string, body any, headers map[string]string, replyAddress string) (*Envelope, error) {
	return newDelivery(codec, TypeSend, address, body, headers, replyAddress)
}

// NewPublish creates a broadcast envelope.
func NewPublish(codec Codec, address string, body any, headers map[string]string) (*Envelope, error) {
	return newDelivery(codec, TypePublish, address, body, headers, "")
}

func newDelivery(codec Codec, typ, address string, body any, headers map[string]string, replyAddress string) (*Envelope, error) {
	raw, err := MarshalBody(codec, body)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to marshal body for %s to '%s': %w", typ, address, err)
	}
	env := &Envelope{
		Type:         typ,
		Address:      address,
		Body:         raw,
		ReplyAddress: replyAddress,
	}
	if len(headers) > 0 {
		env.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			env.Headers[k] = v
		}
	}
	return env, nil
}

// MarshalBody encodes body with codec. Pre-encoded json.RawMessage bodies are
// passed through untouched.
func MarshalBody(codec Codec, body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(b) == 0 {
			return json.RawMessage("null"), nil
		}
		return b, nil
	}
	data, err := codec.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Encode serializes env with codec.
func Encode(codec Codec, env *Envelope) ([]byte, error) {
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses one inbound envelope. Missing headers decode to an empty map.
func Decode(codec Codec, data []byte) (*Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if env.Type == "" {
		return nil, errMissingType
	}
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	return &env, nil
}

// IsDelivery reports whether env carries a message for a local address.
func (e *Envelope) IsDelivery() bool {
	return e.Type == TypeMessage || e.Type == TypeReceive
}

// IsError reports whether env is a bridge failure.
func (e *Envelope) IsError() bool {
	return e.Type == TypeError
}

// DecodeBody unmarshals the Body into v (must be a pointer).
func (e *Envelope) DecodeBody(codec Codec, v any) error {
	if e.Body == nil || string(e.Body) == "null" {
		return nil
	}
	return codec.Unmarshal(e.Body, v)
}

// Failure returns the error carried by an "err" envelope.
func (e *Envelope) Failure() *Failure {
	return &Failure{Address: e.Address, Code: e.FailureCode, Type: e.FailureType, Message: e.Message}
}

// Failure is a failure reported by the bridge for an address.
type Failure struct {
	Address string
	Code    int
	Type    string
	Message string
}

func (f *Failure) Error() string {
	if f.Type != "" {
		return fmt.Sprintf("eventbus failure on '%s' (%s, code %d): %s", f.Address, f.Type, f.Code, f.Message)
	}
	return fmt.Sprintf("eventbus failure on '%s': %s", f.Address, f.Message)
}
