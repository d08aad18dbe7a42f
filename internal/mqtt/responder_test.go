package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/repositories"
	"github.com/prudhvinik1/edgeshadow/internal/services"
)

// memShadows is an in-memory repositories.ShadowRepository.
type memShadows struct {
	mu      sync.Mutex
	records map[string]models.ShadowRecord
	deleted map[string]int64
}

func (m *memShadows) GetByDeviceName(ctx context.Context, name string) (*models.ShadowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	rec.Desired = rec.Desired.Clone()
	rec.Reported = rec.Reported.Clone()
	return &rec, nil
}

func (m *memShadows) Save(ctx context.Context, rec *models.ShadowRecord, event *models.ShadowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[rec.DeviceName]
	if (rec.Version == 0 && ok) || (rec.Version != 0 && stored.Version != rec.Version) {
		return repositories.ErrVersionConflict
	}
	if !ok {
		rec.ID = uuid.New()
		rec.CreatedAt = time.Unix(1700000000, 0)
		rec.Version = m.deleted[rec.DeviceName]
	}
	rec.Version++
	m.records[rec.DeviceName] = *rec
	return nil
}

func (m *memShadows) Delete(ctx context.Context, name string, event *models.ShadowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return repositories.ErrNotFound
	}
	delete(m.records, name)
	if m.deleted == nil {
		m.deleted = make(map[string]int64)
	}
	m.deleted[name] = rec.Version
	event.Version = rec.Version
	return nil
}

func (m *memShadows) History(ctx context.Context, name string, limit int) ([]*models.ShadowEvent, error) {
	return nil, nil
}

type memPresence struct {
	mu      sync.Mutex
	online  map[string]bool
	touched []string
}

func (p *memPresence) SetPresence(ctx context.Context, presence *models.Presence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[presence.DeviceName] = true
	return nil
}

func (p *memPresence) GetPresence(ctx context.Context, deviceName string) (*models.Presence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := models.StatusOffline
	if p.online[deviceName] {
		status = models.StatusOnline
	}
	return &models.Presence{DeviceName: deviceName, Status: string(status)}, nil
}

func (p *memPresence) DeletePresence(ctx context.Context, deviceName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, deviceName)
	return nil
}

func (p *memPresence) GetBulkPresence(ctx context.Context, deviceNames []string) (map[string]models.Presence, error) {
	return nil, nil
}

func (p *memPresence) Touch(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touched = append(p.touched, name)
	return nil
}

func (p *memPresence) isOnline(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[name]
}

type authorityFixture struct {
	broker   *loopback
	server   *loopClient
	service  *services.ShadowService
	presence *memPresence
}

// startAuthority runs a responder and notifier backed by in-memory storage on
// a fresh loopback broker.
func startAuthority(t *testing.T) *authorityFixture {
	log := zaptest.NewLogger(t).Sugar()
	broker := newLoopback(t)
	server := broker.client()

	svc := services.NewShadowService(&memShadows{records: make(map[string]models.ShadowRecord)}, log)
	svc.SetNotifier(NewNotifier(server, log))
	presence := &memPresence{online: make(map[string]bool)}

	responder := NewResponder(server, svc, presence, presence, log)
	require.NoError(t, responder.Start(context.Background()))

	return &authorityFixture{broker: broker, server: server, service: svc, presence: presence}
}

// request publishes a raw request and waits for the first response on the
// given response topic.
func (a *authorityFixture) request(t *testing.T, topic, responseTopic string, payload string) []byte {
	got := make(chan []byte, 4)
	probe := a.broker.client()
	require.NoError(t, probe.Subscribe(responseTopic, 1, func(_ string, p []byte) {
		select {
		case got <- p:
		default:
		}
	}))
	require.NoError(t, probe.Publish(topic, 1, false, []byte(payload)))
	select {
	case p := <-got:
		return p
	case <-time.After(time.Second):
		t.Fatalf("no response on %s", responseTopic)
		return nil
	}
}

func TestResponder_GetMissingShadow(t *testing.T) {
	a := startAuthority(t)

	payload := a.request(t, "things/car1/shadow/get", "things/car1/shadow/get/rejected", `{"clientToken":"t1"}`)

	var rej rejectionMessage
	require.NoError(t, json.Unmarshal(payload, &rej))
	assert.Equal(t, 404, rej.Code)
	assert.Equal(t, "t1", rej.ClientToken)
}

func TestResponder_UpdateThenGet(t *testing.T) {
	a := startAuthority(t)

	accepted := a.request(t, "things/car1/shadow/update", "things/car1/shadow/update/accepted",
		`{"state":{"desired":{"lights":true}},"clientToken":"t1"}`)

	var doc models.ShadowDocument
	require.NoError(t, json.Unmarshal(accepted, &doc))
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, "t1", doc.ClientToken)
	assert.Equal(t, models.Properties{"lights": true}, doc.State.Desired)

	got := a.request(t, "things/car1/shadow/get", "things/car1/shadow/get/accepted", `{"clientToken":"t2"}`)
	var full models.ShadowDocument
	require.NoError(t, json.Unmarshal(got, &full))
	assert.Equal(t, "t2", full.ClientToken)
	assert.Equal(t, models.Properties{"lights": true}, full.State.Delta)
}

func TestResponder_PublishesDocumentsAndDelta(t *testing.T) {
	a := startAuthority(t)

	a.request(t, "things/car1/shadow/update", "things/car1/shadow/update/accepted",
		`{"state":{"desired":{"lights":true}},"clientToken":"t1"}`)

	require.Eventually(t, func() bool {
		return len(a.server.publishedTo(DocumentsTopic("car1"))) == 1 &&
			len(a.server.publishedTo(DeltaTopic("car1"))) == 1
	}, time.Second, 5*time.Millisecond)

	var delta deltaMessage
	require.NoError(t, json.Unmarshal(a.server.publishedTo(DeltaTopic("car1"))[0], &delta))
	assert.Equal(t, models.Properties{"lights": true}, delta.State)
	assert.Equal(t, int64(1), delta.Version)
}

func TestResponder_RejectsVersionConflictAndBadJSON(t *testing.T) {
	a := startAuthority(t)
	a.request(t, "things/car1/shadow/update", "things/car1/shadow/update/accepted",
		`{"state":{"reported":{"lights":false}}}`)

	payload := a.request(t, "things/car1/shadow/update", "things/car1/shadow/update/rejected",
		`{"state":{"reported":{"lights":true}},"version":9,"clientToken":"t2"}`)
	var rej rejectionMessage
	require.NoError(t, json.Unmarshal(payload, &rej))
	assert.Equal(t, 409, rej.Code)

	payload = a.request(t, "things/car2/shadow/update", "things/car2/shadow/update/rejected", `{not json`)
	require.NoError(t, json.Unmarshal(payload, &rej))
	assert.Equal(t, 400, rej.Code)
}

func TestResponder_Delete(t *testing.T) {
	a := startAuthority(t)
	a.request(t, "things/car1/shadow/update", "things/car1/shadow/update/accepted",
		`{"state":{"reported":{"lights":false}}}`)

	payload := a.request(t, "things/car1/shadow/delete", "things/car1/shadow/delete/accepted", `{"clientToken":"d1"}`)

	var doc models.ShadowDocument
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Equal(t, "d1", doc.ClientToken)
	assert.Equal(t, int64(1), doc.Version)
}

func TestResponder_Presence(t *testing.T) {
	a := startAuthority(t)
	device := a.broker.client()

	require.NoError(t, device.Publish(PresenceTopic("car1"), 0, false, []byte(`{"status":"online"}`)))
	require.Eventually(t, func() bool { return a.presence.isOnline("car1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, device.Publish(PresenceTopic("car1"), 0, false, []byte(`{"status":"offline"}`)))
	require.Eventually(t, func() bool { return !a.presence.isOnline("car1") }, time.Second, 5*time.Millisecond)

	a.presence.mu.Lock()
	defer a.presence.mu.Unlock()
	assert.Equal(t, []string{"car1"}, a.presence.touched)
}
