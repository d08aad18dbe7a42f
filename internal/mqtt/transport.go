package mqtt

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/shadow"
)

type inflightRequest struct {
	identity string
	op       shadow.Operation
}

// ShadowTransport implements shadow.Transport on top of a Client.
type ShadowTransport struct {
	client   Client
	log      *zap.SugaredLogger
	newToken func() string

	mu         sync.Mutex
	handler    shadow.EventHandler
	inflight   map[string]inflightRequest
	registered map[string]bool
}

func NewShadowTransport(client Client, log *zap.SugaredLogger) *ShadowTransport {
	t := &ShadowTransport{
		client:   client,
		log:      log,
		newToken:   func() string { return uuid.New().String() },
		inflight:   make(map[string]inflightRequest),
		registered: make(map[string]bool),
	}
	client.Observe(t)
	return t
}

func (t *ShadowTransport) Bind(h shadow.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *ShadowTransport) Connect(ctx context.Context) error {
	return t.client.Connect(ctx)
}

// HandleConnected forwards a broker (re)connect to the bound handler.
func (t *ShadowTransport) HandleConnected() {
	if h := t.boundHandler(); h != nil {
		h.HandleConnected()
	}
}

func (t *ShadowTransport) HandleConnectionLost(err error) {
	if h := t.boundHandler(); h != nil {
		h.HandleConnectionLost(err)
	}
}

// Register subscribes to every response and notification of identity in the
// background and reports the outcome through done.
func (t *ShadowTransport) Register(identity string, done func(error)) {
	if !ValidIdentity(identity) {
		done(fmt.Errorf("invalid identity %q", identity))
		return
	}
	t.mu.Lock()
	t.registered[identity] = true
	t.mu.Unlock()

	go func() {
		topic := SessionTopic(identity)
		if err := t.client.Subscribe(topic, 1, t.handleMessage); err != nil {
			done(err)
			return
		}
		// Unregister may have run while the subscribe was in flight.
		t.mu.Lock()
		active := t.registered[identity]
		t.mu.Unlock()
		if !active {
			if err := t.client.Unsubscribe(topic); err != nil {
				t.log.Warnw("failed to drop subscription of unregistered shadow", "identity", identity, "error", err)
			}
			done(fmt.Errorf("shadow %q unregistered during registration", identity))
			return
		}
		done(nil)
	}()
}

func (t *ShadowTransport) Unregister(identity string) error {
	t.mu.Lock()
	delete(t.registered, identity)
	for token, req := range t.inflight {
		if req.identity == identity {
			delete(t.inflight, token)
		}
	}
	t.mu.Unlock()
	return t.client.Unsubscribe(SessionTopic(identity))
}

func (t *ShadowTransport) Get(identity string) (string, error) {
	return t.send(identity, shadow.OpGet, nil)
}

func (t *ShadowTransport) Update(identity string, doc *models.ShadowDocument) (string, error) {
	return t.send(identity, shadow.OpUpdate, doc)
}

func (t *ShadowTransport) Delete(identity string) (string, error) {
	return t.send(identity, shadow.OpDelete, nil)
}

func (t *ShadowTransport) send(identity string, op shadow.Operation, doc *models.ShadowDocument) (string, error) {
	if !ValidIdentity(identity) {
		return "", fmt.Errorf("invalid identity %q", identity)
	}
	token := t.newToken()
	msg := requestMessage{ClientToken: token}
	if doc != nil {
		state := doc.State
		msg.State = &state
		msg.Version = doc.Version
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	// Track the token first: the answer may arrive before Publish returns.
	t.mu.Lock()
	t.inflight[token] = inflightRequest{identity: identity, op: op}
	t.mu.Unlock()

	if err := t.client.Publish(RequestTopic(identity, op), 1, false, payload); err != nil {
		t.mu.Lock()
		delete(t.inflight, token)
		t.mu.Unlock()
		return "", err
	}
	return token, nil
}

// take removes token from the in-flight set if it belongs to identity.
func (t *ShadowTransport) take(token, identity string) bool {
	if token == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.inflight[token]
	if !ok || req.identity != identity {
		return false
	}
	delete(t.inflight, token)
	return true
}

func (t *ShadowTransport) boundHandler() shadow.EventHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *ShadowTransport) handleMessage(topic string, payload []byte) {
	st, ok := parseShadowTopic(topic)
	if !ok {
		t.log.Debugw("ignoring message on unexpected topic", "topic", topic)
		return
	}
	h := t.boundHandler()
	if h == nil {
		return
	}

	switch st.suffix {
	case suffixAccepted:
		doc, err := decodeDocument(payload)
		if err != nil {
			t.log.Warnw("malformed accepted payload", "topic", topic, "error", err)
			return
		}
		countStatus(string(st.op), string(shadow.StatusAccepted), 200)
		if t.take(doc.ClientToken, st.identity) {
			h.OnStatus(st.identity, shadow.Response{
				Kind:      shadow.StatusAccepted,
				Operation: st.op,
				Token:     doc.ClientToken,
				Document:  doc,
			})
			return
		}
		// Someone else changed the shadow.
		if st.op == shadow.OpUpdate || st.op == shadow.OpDelete {
			h.OnForeignStateChange(st.identity, st.op, doc)
		}

	case suffixRejected:
		rej, err := decodeRejection(payload)
		if err != nil {
			t.log.Warnw("malformed rejected payload", "topic", topic, "error", err)
			return
		}
		countStatus(string(st.op), string(shadow.StatusRejected), rej.Code)
		if !t.take(rej.ClientToken, st.identity) {
			return
		}
		h.OnStatus(st.identity, shadow.Response{
			Kind:      shadow.StatusRejected,
			Operation: st.op,
			Token:     rej.ClientToken,
			Code:      rej.Code,
			Message:   rej.Message,
		})

	case suffixDocs, suffixDelta:
		// update/accepted already carries the change with the same version.

	default:
		t.log.Debugw("ignoring shadow message", "topic", topic)
	}
}
