package client

import (
	"encoding/json"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
)

// Message is a delivery received from the bridge.
type Message struct {
	Address      string
	ReplyAddress string
	Headers      map[string]string
	Body         json.RawMessage

	client *Client
}

func (c *Client) newMessage(env *envelope.Envelope) *Message {
	return &Message{
		Address:      env.Address,
		ReplyAddress: env.ReplyAddress,
		Headers:      env.Headers,
		Body:         env.Body,
		client:       c,
	}
}

// DecodeBody unmarshals the body into v with the client's codec. A missing
// or null body leaves v untouched.
func (m *Message) DecodeBody(v any) error {
	if len(m.Body) == 0 || string(m.Body) == "null" {
		return nil
	}
	return m.codec().Unmarshal(m.Body, v)
}

// Header returns the value of header key.
func (m *Message) Header(key string) string {
	return m.Headers[key]
}

// Reply sends body back to the sender. It fails with ErrNoReplyAddress when
// the sender did not ask for a reply.
func (m *Message) Reply(body any, opts ...DeliveryOption) error {
	if m.ReplyAddress == "" {
		return ErrNoReplyAddress
	}
	if m.client == nil {
		return ErrNotConnected
	}
	return m.client.Send(m.ReplyAddress, body, opts...)
}

// ReplyWithHandler replies and waits for the sender to answer the reply.
func (m *Message) ReplyWithHandler(body any, cb func(Result), opts ...DeliveryOption) error {
	if m.ReplyAddress == "" {
		return ErrNoReplyAddress
	}
	if m.client == nil {
		return ErrNotConnected
	}
	return m.client.Request(m.ReplyAddress, body, cb, opts...)
}

func (m *Message) codec() envelope.Codec {
	if m.client == nil {
		return envelope.JSON
	}
	return m.client.config.codec
}
