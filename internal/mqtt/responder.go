package mqtt

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/repositories"
	"github.com/prudhvinik1/edgeshadow/internal/services"
	"github.com/prudhvinik1/edgeshadow/internal/shadow"
)

// ShadowAuthority is the part of services.ShadowService the responder uses.
type ShadowAuthority interface {
	Get(ctx context.Context, name string) (*models.ShadowDocument, error)
	Update(ctx context.Context, name string, req services.UpdateRequest) (*services.UpdateResult, error)
	Delete(ctx context.Context, name, clientToken string) (*models.ShadowDocument, error)
}

// DeviceToucher records device heartbeats.
type DeviceToucher interface {
	Touch(ctx context.Context, name string) error
}

const defaultHandlerTimeout = 5 * time.Second

// Responder serves shadow requests and presence heartbeats arriving over
// MQTT on behalf of the shadow authority.
type Responder struct {
	client   Client
	shadows  ShadowAuthority
	presence repositories.PresenceRepository
	devices  DeviceToucher
	log      *zap.SugaredLogger
	now      func() time.Time
	timeout  time.Duration

	ctx context.Context
}

func NewResponder(
	client Client,
	shadows ShadowAuthority,
	presence repositories.PresenceRepository,
	devices DeviceToucher,
	log *zap.SugaredLogger,
) *Responder {
	return &Responder{
		client:   client,
		shadows:  shadows,
		presence: presence,
		devices:  devices,
		log:      log,
		now:      time.Now,
		timeout:  defaultHandlerTimeout,
		ctx:      context.Background(),
	}
}

// Start subscribes to every request and heartbeat topic. Handlers derive their
// contexts from ctx.
func (r *Responder) Start(ctx context.Context) error {
	r.ctx = ctx
	if err := r.client.Subscribe(RequestWildcard, 1, r.handleRequest); err != nil {
		return err
	}
	if err := r.client.Subscribe(PresenceWildcard, 0, r.handlePresence); err != nil {
		return err
	}
	r.log.Infow("shadow responder started", "requests", RequestWildcard, "presence", PresenceWildcard)
	return nil
}

func (r *Responder) Stop() error {
	return r.client.Unsubscribe(RequestWildcard, PresenceWildcard)
}

func (r *Responder) handleRequest(topic string, payload []byte) {
	st, ok := parseShadowTopic(topic)
	if !ok || st.suffix != "" {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	req, err := decodeRequest(payload)
	if err != nil {
		r.reject(st.identity, st.op, "", http.StatusBadRequest, "Payload contains invalid json")
		return
	}

	switch st.op {
	case shadow.OpGet:
		doc, err := r.shadows.Get(ctx, st.identity)
		if err != nil {
			r.rejectErr(st.identity, st.op, req.ClientToken, err)
			return
		}
		doc.ClientToken = req.ClientToken
		r.respond(ResponseTopic(st.identity, st.op, shadow.StatusAccepted), doc)

	case shadow.OpUpdate:
		// The notifier publishes update/accepted.
		_, err := r.shadows.Update(ctx, st.identity, services.UpdateRequest{
			State:       req.State,
			Version:     req.Version,
			ClientToken: req.ClientToken,
		})
		if err != nil {
			r.rejectErr(st.identity, st.op, req.ClientToken, err)
		}

	case shadow.OpDelete:
		// The notifier publishes delete/accepted.
		if _, err := r.shadows.Delete(ctx, st.identity, req.ClientToken); err != nil {
			r.rejectErr(st.identity, st.op, req.ClientToken, err)
		}
	}
}

func (r *Responder) handlePresence(topic string, payload []byte) {
	name, ok := parsePresenceTopic(topic)
	if !ok {
		return
	}
	var msg presenceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.log.Debugw("malformed presence message", "device", name, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	switch models.PresenceStatus(msg.Status) {
	case models.StatusOnline:
		err := r.presence.SetPresence(ctx, &models.Presence{DeviceName: name, Status: msg.Status})
		if err != nil {
			r.log.Warnw("failed to record presence", "device", name, "error", err)
		}
		if err := r.devices.Touch(ctx, name); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			r.log.Warnw("failed to touch device", "device", name, "error", err)
		}
	case models.StatusOffline:
		if err := r.presence.DeletePresence(ctx, name); err != nil {
			r.log.Warnw("failed to clear presence", "device", name, "error", err)
		}
	default:
		r.log.Debugw("unknown presence status", "device", name, "status", msg.Status)
	}
}

func (r *Responder) rejectErr(identity string, op shadow.Operation, token string, err error) {
	code := services.StatusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		r.log.Errorw("shadow request failed", "device", identity, "operation", op, "error", err)
		msg = "Internal service failure"
	}
	r.reject(identity, op, token, code, msg)
}

func (r *Responder) reject(identity string, op shadow.Operation, token string, code int, message string) {
	r.respond(ResponseTopic(identity, op, shadow.StatusRejected), rejectionMessage{
		Code:        code,
		Message:     message,
		ClientToken: token,
		Timestamp:   r.now().Unix(),
	})
}

func (r *Responder) respond(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Errorw("failed to encode shadow response", "topic", topic, "error", err)
		return
	}
	if err := r.client.Publish(topic, 1, false, payload); err != nil {
		r.log.Warnw("failed to publish shadow response", "topic", topic, "error", err)
	}
}
