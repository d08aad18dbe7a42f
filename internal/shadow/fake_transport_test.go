package shadow

import (
	"context"
	"fmt"
	"sync"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

type sentRequest struct {
	identity string
	op       Operation
	token    string
	doc      *models.ShadowDocument
}

// fakeTransport records every call. Register completes synchronously unless
// holdRegister is set, in which case the callbacks are kept in registerDone.
type fakeTransport struct {
	mu sync.Mutex

	handler      EventHandler
	connectErr   error
	registerErr  error
	sendErr      error
	holdRegister bool

	connects     int
	registers    []string
	unregisters  []string
	registerDone []func(error)
	requests     []sentRequest
	nextToken    int
}

func (f *fakeTransport) Bind(h EventHandler) { f.handler = h }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Register(identity string, done func(error)) {
	f.mu.Lock()
	f.registers = append(f.registers, identity)
	hold, err := f.holdRegister, f.registerErr
	if hold {
		f.registerDone = append(f.registerDone, done)
	}
	f.mu.Unlock()
	if !hold {
		done(err)
	}
}

func (f *fakeTransport) Unregister(identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregisters = append(f.unregisters, identity)
	return nil
}

func (f *fakeTransport) Get(identity string) (string, error) {
	return f.send(identity, OpGet, nil)
}

func (f *fakeTransport) Update(identity string, doc *models.ShadowDocument) (string, error) {
	return f.send(identity, OpUpdate, doc)
}

func (f *fakeTransport) Delete(identity string) (string, error) {
	return f.send(identity, OpDelete, nil)
}

func (f *fakeTransport) send(identity string, op Operation, doc *models.ShadowDocument) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextToken++
	token := fmt.Sprintf("token-%d", f.nextToken)
	f.requests = append(f.requests, sentRequest{identity: identity, op: op, token: token, doc: doc})
	return token, nil
}

func (f *fakeTransport) count(op Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.op == op {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last() sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeTransport) registerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registers)
}

type reportedCall struct {
	identity string
	props    models.Properties
}

// recorder is an Observer and DesiredObserver that keeps every call.
type recorder struct {
	mu       sync.Mutex
	reported []reportedCall
	desired  []reportedCall
}

func (r *recorder) OnReportedChange(identity string, reported models.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, reportedCall{identity, reported})
}

func (r *recorder) OnDesiredChange(identity string, desired models.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.desired = append(r.desired, reportedCall{identity, desired})
}
