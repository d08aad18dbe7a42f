package mqtt

import (
	"context"
)

// Publisher sends fire-and-forget messages. It is the telemetry sink of the
// device agent and the outbox of the chat.
type Publisher struct {
	client Client
	qos    byte
}

func NewPublisher(client Client, qos byte) *Publisher {
	return &Publisher{client: client, qos: qos}
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.client.Publish(topic, p.qos, false, payload)
}
