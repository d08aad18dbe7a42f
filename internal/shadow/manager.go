package shadow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

// Manager owns the sync sessions, one per device identity. Sessions are
// independent: operations on different identities never wait on each other.
type Manager struct {
	transport      Transport
	log            *zap.SugaredLogger
	now            func() time.Time
	requestTimeout time.Duration

	mu        sync.RWMutex
	sessions  map[string]*session
	connected bool
}

type Option func(*Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.log = l }
}

// WithRequestTimeout abandons a pending request older than d when the next
// request is attempted. Zero keeps requests pending until answered.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.requestTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager and binds it to t as the event handler.
func NewManager(t Transport, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		log:       zap.S(),
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	t.Bind(m)
	return m
}

// Open starts synchronization for identity. watched names the reported
// properties the observer cares about; an empty list watches all of them.
// When the transport is already connected the session registers right away.
func (m *Manager) Open(identity string, watched []string, observer Observer) error {
	s := &session{
		identity: identity,
		watched:  append([]string(nil), watched...),
		observer: observer,
	}

	m.mu.Lock()
	if _, ok := m.sessions[identity]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, identity)
	}
	m.sessions[identity] = s
	connected := m.connected
	m.mu.Unlock()

	if connected {
		m.connectSession(s)
	}
	return nil
}

// Close tears the session down and unsubscribes it from the transport.
func (m *Manager) Close(identity string) error {
	m.mu.Lock()
	s, ok := m.sessions[identity]
	delete(m.sessions, identity)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, identity)
	}

	s.mu.Lock()
	s.closed = true
	s.pending = nil
	subscribed := s.registered || s.registering
	s.mu.Unlock()

	if subscribed {
		if err := m.transport.Unregister(identity); err != nil {
			return fmt.Errorf("unregister %s: %w", identity, err)
		}
	}
	m.log.Infow("shadow session closed", "identity", identity)
	return nil
}

// Connect establishes transport connectivity and registers every session
// that is not registered yet.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	m.HandleConnected()
	return nil
}

// HandleConnected is called by the transport on every (re)connect.
// Registration happens at most once per session lifetime; sessions that are
// already registered and idle fetch their document again.
func (m *Manager) HandleConnected() {
	m.mu.Lock()
	m.connected = true
	sessions := m.list()
	m.mu.Unlock()

	for _, s := range sessions {
		m.connectSession(s)
	}
}

// HandleConnectionLost marks every session disconnected. Registration and
// pending requests survive; the transport resubscribes on reconnect and
// HandleConnected fetches each idle session's document again.
func (m *Manager) HandleConnectionLost(err error) {
	m.mu.Lock()
	m.connected = false
	sessions := m.list()
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}
	m.log.Warnw("shadow transport connection lost", "error", err)
}

func (m *Manager) connectSession(s *session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	if s.registering {
		s.mu.Unlock()
		return
	}
	if s.registered {
		// Changes published while the connection was down are lost with the
		// clean session. Fetch the document unless a request will answer.
		if s.pending == nil {
			if _, err := m.issue(s, OpGet, nil); err != nil {
				m.log.Warnw("shadow resync after reconnect failed", "identity", s.identity, "error", err)
			}
		}
		s.mu.Unlock()
		return
	}
	s.registering = true
	s.mu.Unlock()

	m.log.Debugw("registering shadow", "identity", s.identity)
	m.transport.Register(s.identity, func(err error) {
		m.registrationDone(s, err)
	})
}

func (m *Manager) registrationDone(s *session, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registering = false
	if s.closed {
		return
	}
	if err != nil {
		m.log.Warnw("shadow registration failed", "identity", s.identity,
			"error", fmt.Errorf("%w: %v", ErrRegistrationFailed, err))
		return
	}

	s.registered = true
	m.log.Infow("shadow registered", "identity", s.identity)

	// Fetch the authoritative document.
	if _, err := m.issue(s, OpGet, nil); err != nil {
		m.log.Warnw("initial shadow get failed", "identity", s.identity, "error", err)
	}
}

// RequestDesiredChange merges patch into the desired view and asks the
// authority to apply it. The outcome arrives through OnStatus.
func (m *Manager) RequestDesiredChange(identity string, patch models.Properties) (string, error) {
	return m.request(identity, OpUpdate, &models.ShadowDocument{
		State: models.ShadowState{Desired: patch},
	})
}

// ReportState publishes reported properties on behalf of the device itself.
func (m *Manager) ReportState(identity string, patch models.Properties) (string, error) {
	return m.request(identity, OpUpdate, &models.ShadowDocument{
		State: models.ShadowState{Reported: patch},
	})
}

// Sync requests the current document from the authority.
func (m *Manager) Sync(identity string) (string, error) {
	return m.request(identity, OpGet, nil)
}

// RequestDelete asks the authority to delete the shadow document.
func (m *Manager) RequestDelete(identity string) (string, error) {
	return m.request(identity, OpDelete, nil)
}

func (m *Manager) request(identity string, op Operation, doc *models.ShadowDocument) (string, error) {
	s := m.lookup(identity)
	if s == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, identity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("%w: %s", ErrSessionClosed, identity)
	}
	if !s.registered {
		return "", fmt.Errorf("%w: %s", ErrNotReady, identity)
	}
	token, err := m.issue(s, op, doc)
	if err != nil {
		return "", err
	}
	if doc != nil && len(doc.State.Desired) > 0 {
		s.desired = s.desired.Merge(doc.State.Desired)
	}
	return token, nil
}

// issue sends one request for s. The caller holds s.mu, so a status that
// arrives before issue returns waits until the pending token is recorded.
func (m *Manager) issue(s *session, op Operation, doc *models.ShadowDocument) (string, error) {
	if s.pending != nil {
		age := m.now().Sub(s.pending.issuedAt)
		if m.requestTimeout <= 0 || age < m.requestTimeout {
			return "", fmt.Errorf("%w: %s %s", ErrRequestInProgress, s.pending.op, s.pending.token)
		}
		m.log.Warnw("abandoning unanswered shadow request", "identity", s.identity,
			"operation", s.pending.op, "token", s.pending.token, "age", age)
		s.pending = nil
	}

	var (
		token string
		err   error
	)
	switch op {
	case OpGet:
		token, err = m.transport.Get(s.identity)
	case OpUpdate:
		token, err = m.transport.Update(s.identity, doc)
	case OpDelete:
		token, err = m.transport.Delete(s.identity)
	default:
		return "", fmt.Errorf("shadow: unsupported operation %q", op)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTransportUnavailable, op, err)
	}

	s.pending = &pendingRequest{token: token, op: op, issuedAt: m.now()}
	m.log.Debugw("shadow request issued", "identity", s.identity, "operation", op, "token", token)
	return token, nil
}

// OnStatus reconciles the response to a request this manager issued.
func (m *Manager) OnStatus(identity string, resp Response) {
	s := m.lookup(identity)
	if s == nil {
		m.log.Debugw("status for unknown shadow session", "identity", identity, "token", resp.Token)
		return
	}

	var notify func()

	s.mu.Lock()
	if s.pending != nil && s.pending.token == resp.Token {
		s.pending = nil
	}

	switch resp.Kind {
	case StatusRejected:
		rejected := &RejectedError{Code: resp.Code, Message: resp.Message}
		switch {
		case rejected.NotFound():
			// The document does not exist yet; nothing to resync with.
			m.log.Infow("shadow does not exist yet", "identity", identity, "operation", resp.Operation)
		case s.pending != nil:
			m.log.Infow("shadow resync dropped, request in flight", "identity", identity,
				"error", rejected, "pending", s.pending.token)
		default:
			m.log.Infow("shadow request rejected, resyncing", "identity", identity,
				"operation", resp.Operation, "error", rejected)
			if _, err := m.issue(s, OpGet, nil); err != nil {
				m.log.Warnw("shadow resync failed", "identity", identity, "error", err)
			}
		}

	case StatusAccepted:
		if resp.Operation == OpDelete {
			s.reset(docVersion(resp.Document))
			break
		}
		notify = m.applyLocked(s, resp.Operation, resp.Document, false)

	default:
		m.log.Warnw("unknown shadow status kind", "identity", identity, "kind", resp.Kind)
	}
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// OnForeignStateChange handles a change made by another party. It bypasses the
// pending request gate because it is a push, not an answer.
func (m *Manager) OnForeignStateChange(identity string, op Operation, doc *models.ShadowDocument) {
	s := m.lookup(identity)
	if s == nil {
		return
	}

	var notify func()

	s.mu.Lock()
	switch op {
	case OpUpdate:
		notify = m.applyLocked(s, op, doc, true)
	case OpDelete:
		m.log.Infow("shadow deleted by another party", "identity", identity)
		s.reset(docVersion(doc))
	default:
		m.log.Debugw("ignoring foreign shadow change", "identity", identity, "operation", op)
	}
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// applyLocked folds doc into the session and returns the observer calls to
// make once s.mu is released.
func (m *Manager) applyLocked(s *session, op Operation, doc *models.ShadowDocument, foreign bool) func() {
	if doc == nil {
		return nil
	}
	stale := s.stale
	if op == OpGet {
		stale = s.staleRead
	}
	if stale(doc.Version) {
		m.log.Debugw("ignoring stale shadow document", "identity", s.identity,
			"version", doc.Version, "last", s.lastVersion)
		return nil
	}
	s.accept(doc.Version)

	if op == OpGet {
		s.desired = doc.State.Desired.Clone()
		s.reported = doc.State.Reported.Clone()
	} else {
		s.desired = s.desired.Merge(doc.State.Desired)
		s.reported = s.reported.Merge(doc.State.Reported)
	}

	var calls []func()
	identity, observer := s.identity, s.observer

	if reported, ok := doc.State.Reported.Subset(s.watched); ok && observer != nil {
		calls = append(calls, func() { observer.OnReportedChange(identity, reported) })
	} else if foreign {
		m.log.Debugw("no watched reported properties in shadow change", "identity", identity)
	}

	if dobs, ok := observer.(DesiredObserver); ok && foreign {
		want := doc.State.Delta
		if len(want) == 0 {
			want = models.Delta(doc.State.Desired, s.reported)
		}
		if desired, ok := want.Subset(s.watched); ok {
			calls = append(calls, func() { dobs.OnDesiredChange(identity, desired) })
		}
	}

	if len(calls) == 0 {
		return nil
	}
	return func() {
		for _, call := range calls {
			call()
		}
	}
}

func docVersion(doc *models.ShadowDocument) int64 {
	if doc == nil {
		return 0
	}
	return doc.Version
}

// Snapshot returns a copy of the session's current view.
func (m *Manager) Snapshot(identity string) (Snapshot, error) {
	s := m.lookup(identity)
	if s == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSession, identity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Identities lists the open sessions in name order.
func (m *Manager) Identities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every open session and returns the joined errors.
func (m *Manager) CloseAll() error {
	var errs []error
	for _, id := range m.Identities() {
		if err := m.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) lookup(identity string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[identity]
}

// list returns the sessions; m.mu must be held.
func (m *Manager) list() []*session {
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
