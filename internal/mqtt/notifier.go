package mqtt

import (
	"context"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/services"
	"github.com/prudhvinik1/edgeshadow/internal/shadow"
)

// Notifier announces accepted shadow changes to every subscriber of the
// device. The update/accepted message doubles as the answer to the
// requester, who recognises its client token.
type Notifier struct {
	client Client
	log    *zap.SugaredLogger
}

func NewNotifier(client Client, log *zap.SugaredLogger) *Notifier {
	return &Notifier{client: client, log: log}
}

func (n *Notifier) ShadowUpdated(ctx context.Context, name string, result *services.UpdateResult) {
	n.publish(ResponseTopic(name, shadow.OpUpdate, shadow.StatusAccepted), result.Accepted)

	n.publish(DocumentsTopic(name), documentsMessage{
		Previous:    result.Previous,
		Current:     result.Current,
		ClientToken: result.Accepted.ClientToken,
		Timestamp:   result.Current.Timestamp,
	})

	if len(result.Current.State.Delta) > 0 && len(result.Accepted.State.Desired) > 0 {
		n.publish(DeltaTopic(name), deltaMessage{
			State:       result.Current.State.Delta,
			Version:     result.Current.Version,
			Timestamp:   result.Current.Timestamp,
			ClientToken: result.Accepted.ClientToken,
		})
	}
}

func (n *Notifier) ShadowDeleted(ctx context.Context, name string, doc *models.ShadowDocument) {
	n.publish(ResponseTopic(name, shadow.OpDelete, shadow.StatusAccepted), doc)
}

func (n *Notifier) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.log.Errorw("failed to encode shadow notification", "topic", topic, "error", err)
		return
	}
	if err := n.client.Publish(topic, 1, false, payload); err != nil {
		n.log.Warnw("failed to publish shadow notification", "topic", topic, "error", err)
	}
}
