package shadow

import (
	"context"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

type Operation string

const (
	OpGet    Operation = "get"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type StatusKind string

const (
	StatusAccepted StatusKind = "accepted"
	StatusRejected StatusKind = "rejected"
)

// Response is the status of a request issued by a session.
type Response struct {
	Kind      StatusKind
	Operation Operation
	Token     string
	// Code and Message are set for rejections.
	Code     int
	Message  string
	Document *models.ShadowDocument
}

// EventHandler receives everything the transport delivers. Manager implements it.
type EventHandler interface {
	OnStatus(identity string, resp Response)
	OnForeignStateChange(identity string, op Operation, doc *models.ShadowDocument)
	HandleConnected()
	HandleConnectionLost(err error)
}

// Transport carries shadow requests to the authority. Requests return a
// client token immediately; the outcome arrives later through OnStatus.
type Transport interface {
	Bind(h EventHandler)
	Connect(ctx context.Context) error
	// Register subscribes to the shadow topics of identity and calls done once
	// the subscription completed or failed.
	Register(identity string, done func(error))
	Unregister(identity string) error
	Get(identity string) (string, error)
	Update(identity string, doc *models.ShadowDocument) (string, error)
	Delete(identity string) (string, error)
}

// Observer is told about reported properties it watches.
type Observer interface {
	OnReportedChange(identity string, reported models.Properties)
}

// DesiredObserver is implemented by observers that act on desired changes,
// typically the device itself.
type DesiredObserver interface {
	OnDesiredChange(identity string, desired models.Properties)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(identity string, reported models.Properties)

func (f ObserverFunc) OnReportedChange(identity string, reported models.Properties) {
	f(identity, reported)
}
