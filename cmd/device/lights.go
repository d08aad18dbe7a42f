package main

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/shadow"
)

const lightsProperty = "lights"

// shadowSession is the part of shadow.Manager the lights need.
type shadowSession interface {
	ReportState(identity string, patch models.Properties) (string, error)
	Snapshot(identity string) (shadow.Snapshot, error)
}

// lights is the device's only actuator. It follows the desired "lights"
// property and reports every state it switches to.
type lights struct {
	identity string
	session  shadowSession
	log      *zap.SugaredLogger
	newRetry func() backoff.BackOff

	on      bool
	changes chan bool
}

func newLights(identity string, log *zap.SugaredLogger) *lights {
	return &lights{
		identity: identity,
		log:      log,
		newRetry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		changes: make(chan bool, 1),
	}
}

func (l *lights) OnReportedChange(identity string, reported models.Properties) {
	l.log.Debugw("reported state changed", "device", identity, "reported", reported)
}

// OnDesiredChange keeps only the latest wish; the run loop applies it.
func (l *lights) OnDesiredChange(identity string, desired models.Properties) {
	want, ok := desired[lightsProperty].(bool)
	if !ok {
		return
	}
	select {
	case <-l.changes:
	default:
	}
	l.changes <- want
}

// run reports the initial state, adopting the desired state the authority
// already holds, then applies desired changes until ctx is done.
func (l *lights) run(ctx context.Context) error {
	snap, err := l.waitIdle(ctx)
	if err != nil {
		return err
	}
	if want, ok := snap.Desired[lightsProperty].(bool); ok {
		l.on = want
	}
	if err := l.report(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case want := <-l.changes:
			if want == l.on {
				continue
			}
			l.on = want
			l.log.Infow("switching lights", "device", l.identity, "on", want)
			if err := l.report(ctx); err != nil {
				return err
			}
		}
	}
}

// waitIdle waits for the session to be registered with no request pending.
func (l *lights) waitIdle(ctx context.Context) (shadow.Snapshot, error) {
	var snap shadow.Snapshot
	err := backoff.Retry(func() error {
		s, err := l.session.Snapshot(l.identity)
		if err != nil {
			return backoff.Permanent(err)
		}
		if s.State != shadow.StateConnected || s.PendingToken != "" {
			return shadow.ErrNotReady
		}
		snap = s
		return nil
	}, backoff.WithContext(l.newRetry(), ctx))
	return snap, err
}

// report sends the current state, retrying while the session is busy or not
// registered.
func (l *lights) report(ctx context.Context) error {
	patch := models.Properties{lightsProperty: l.on}
	return backoff.RetryNotify(func() error {
		_, err := l.session.ReportState(l.identity, patch)
		if err == nil || errors.Is(err, shadow.ErrRequestInProgress) ||
			errors.Is(err, shadow.ErrNotReady) || errors.Is(err, shadow.ErrTransportUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(l.newRetry(), ctx), func(err error, wait time.Duration) {
		l.log.Debugw("lights report deferred", "device", l.identity, "error", err, "retry_in", wait)
	})
}
