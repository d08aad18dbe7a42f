package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/shadow"
)

// eventLog is a shadow.EventHandler that keeps everything it receives.
type eventLog struct {
	mu        sync.Mutex
	statuses  []shadow.Response
	foreign   []*models.ShadowDocument
	foreignOp []shadow.Operation
	connected int
	lost      int
}

func (e *eventLog) OnStatus(identity string, resp shadow.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, resp)
}

func (e *eventLog) OnForeignStateChange(identity string, op shadow.Operation, doc *models.ShadowDocument) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.foreign = append(e.foreign, doc)
	e.foreignOp = append(e.foreignOp, op)
}

func (e *eventLog) HandleConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected++
}

func (e *eventLog) HandleConnectionLost(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lost++
}

func (e *eventLog) counts() (statuses, foreign int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.statuses), len(e.foreign)
}

func newTestTransport(t *testing.T) (*ShadowTransport, *loopClient, *loopback, *eventLog) {
	broker := newLoopback(t)
	client := broker.client()
	tr := NewShadowTransport(client, zaptest.NewLogger(t).Sugar())
	events := &eventLog{}
	tr.Bind(events)
	return tr, client, broker, events
}

func register(t *testing.T, tr *ShadowTransport, identity string) {
	done := make(chan error, 1)
	tr.Register(identity, func(err error) { done <- err })
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("registration did not complete")
	}
}

// authority publishes a message as the shadow authority would.
func authority(t *testing.T, broker *loopback, topic string, v any) {
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, broker.client().Publish(topic, 1, false, payload))
}

func TestShadowTransport_RequestPayload(t *testing.T) {
	tr, client, _, _ := newTestTransport(t)

	token, err := tr.Update("car1", &models.ShadowDocument{
		State:   models.ShadowState{Desired: models.Properties{"lights": true}},
		Version: 4,
	})

	require.NoError(t, err)
	assert.NotEmpty(t, token)
	msgs := client.publishedTo("things/car1/shadow/update")
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"state":{"desired":{"lights":true}},"version":4,"clientToken":"`+token+`"}`, string(msgs[0]))
}

func TestShadowTransport_AcceptedForOwnToken(t *testing.T) {
	tr, _, broker, events := newTestTransport(t)
	register(t, tr, "car1")

	token, err := tr.Get("car1")
	require.NoError(t, err)

	// ACT
	authority(t, broker, "things/car1/shadow/get/accepted", models.ShadowDocument{
		State:       models.ShadowState{Reported: models.Properties{"lights": true}},
		Version:     3,
		ClientToken: token,
	})

	// ASSERT
	require.Eventually(t, func() bool { n, _ := events.counts(); return n == 1 }, time.Second, 5*time.Millisecond)
	events.mu.Lock()
	defer events.mu.Unlock()
	resp := events.statuses[0]
	assert.Equal(t, shadow.StatusAccepted, resp.Kind)
	assert.Equal(t, shadow.OpGet, resp.Operation)
	assert.Equal(t, token, resp.Token)
	assert.Equal(t, int64(3), resp.Document.Version)
	assert.Empty(t, events.foreign)
}

func TestShadowTransport_RejectedForOwnToken(t *testing.T) {
	tr, _, broker, events := newTestTransport(t)
	register(t, tr, "car1")
	token, err := tr.Get("car1")
	require.NoError(t, err)

	authority(t, broker, "things/car1/shadow/get/rejected", rejectionMessage{
		Code: 404, Message: "No shadow exists with name: 'car1'", ClientToken: token,
	})

	require.Eventually(t, func() bool { n, _ := events.counts(); return n == 1 }, time.Second, 5*time.Millisecond)
	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, shadow.StatusRejected, events.statuses[0].Kind)
	assert.Equal(t, 404, events.statuses[0].Code)
}

func TestShadowTransport_ForeignUpdateAndDelete(t *testing.T) {
	tr, _, broker, events := newTestTransport(t)
	register(t, tr, "car1")

	authority(t, broker, "things/car1/shadow/update/accepted", models.ShadowDocument{
		State:       models.ShadowState{Reported: models.Properties{"lights": false}},
		Version:     5,
		ClientToken: "someone-else",
	})
	authority(t, broker, "things/car1/shadow/delete/accepted", models.ShadowDocument{Version: 5})
	// Foreign answers to gets and foreign rejections are not ours to handle.
	authority(t, broker, "things/car1/shadow/get/accepted", models.ShadowDocument{ClientToken: "other"})
	authority(t, broker, "things/car1/shadow/update/rejected", rejectionMessage{Code: 409, ClientToken: "other"})

	require.Eventually(t, func() bool { _, n := events.counts(); return n == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, []shadow.Operation{shadow.OpUpdate, shadow.OpDelete}, events.foreignOp)
	assert.Equal(t, models.Properties{"lights": false}, events.foreign[0].State.Reported)
	assert.Empty(t, events.statuses)
}

func TestShadowTransport_TokenConsumedOnce(t *testing.T) {
	tr, _, broker, events := newTestTransport(t)
	register(t, tr, "car1")
	token, err := tr.Update("car1", &models.ShadowDocument{State: models.ShadowState{Reported: models.Properties{"lights": true}}})
	require.NoError(t, err)

	doc := models.ShadowDocument{State: models.ShadowState{Reported: models.Properties{"lights": true}}, Version: 2, ClientToken: token}
	authority(t, broker, "things/car1/shadow/update/accepted", doc)
	authority(t, broker, "things/car1/shadow/update/accepted", doc)

	require.Eventually(t, func() bool {
		s, f := events.counts()
		return s == 1 && f == 1
	}, time.Second, 5*time.Millisecond, "a redelivered answer is treated as a foreign change")
}

func TestShadowTransport_PublishFailureForgetsToken(t *testing.T) {
	tr, client, _, _ := newTestTransport(t)
	client.publishErr = errors.New("not connected")

	_, err := tr.Get("car1")

	assert.Error(t, err)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.inflight)
}

func TestShadowTransport_RegisterFailure(t *testing.T) {
	tr, client, _, _ := newTestTransport(t)
	client.subscribeErr = errors.New("subscribe refused")

	done := make(chan error, 1)
	tr.Register("car1", func(err error) { done <- err })

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("registration did not complete")
	}
}

func TestShadowTransport_InvalidIdentity(t *testing.T) {
	tr, _, _, _ := newTestTransport(t)

	_, err := tr.Get("cars/+")
	assert.Error(t, err)

	var regErr error
	tr.Register("#", func(err error) { regErr = err })
	assert.Error(t, regErr, "invalid identities fail synchronously")
}

func TestShadowTransport_Unregister(t *testing.T) {
	tr, client, broker, events := newTestTransport(t)
	register(t, tr, "car1")
	token, err := tr.Get("car1")
	require.NoError(t, err)

	require.NoError(t, tr.Unregister("car1"))

	assert.Equal(t, []string{"things/car1/shadow/+/+"}, client.unsubscribed)
	authority(t, broker, "things/car1/shadow/get/accepted", models.ShadowDocument{ClientToken: token})
	time.Sleep(20 * time.Millisecond)
	s, f := events.counts()
	assert.Zero(t, s)
	assert.Zero(t, f)
}

func TestShadowTransport_UnregisterDuringSubscribeLeavesNoSubscription(t *testing.T) {
	// ARRANGE: the broker has not acknowledged the subscribe yet
	tr, client, broker, events := newTestTransport(t)
	gate := make(chan struct{})
	client.mu.Lock()
	client.subscribeGate = gate
	client.mu.Unlock()

	done := make(chan error, 1)
	tr.Register("car1", func(err error) { done <- err })

	// ACT
	require.NoError(t, tr.Unregister("car1"))
	close(gate)

	// ASSERT
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("registration did not complete")
	}
	broker.mu.Lock()
	assert.Empty(t, broker.subs)
	broker.mu.Unlock()

	authority(t, broker, "things/car1/shadow/update/accepted", models.ShadowDocument{Version: 1})
	time.Sleep(20 * time.Millisecond)
	_, f := events.counts()
	assert.Zero(t, f)
}

func TestShadowTransport_ForwardsConnectionEvents(t *testing.T) {
	tr, client, _, events := newTestTransport(t)

	require.NoError(t, tr.Connect(context.Background()))
	client.dropConnection()

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, 1, events.connected)
	assert.Equal(t, 1, events.lost)
}
