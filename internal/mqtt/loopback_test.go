package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// loopback is an in-memory broker. Messages are delivered in publish order
// on a single goroutine, like a broker connection would.
type loopback struct {
	mu    sync.Mutex
	subs  []loopSub
	queue chan loopMsg
	wg    sync.WaitGroup
}

type loopSub struct {
	client  *loopClient
	filter  string
	handler MessageHandler
}

type loopMsg struct {
	topic   string
	payload []byte
}

func newLoopback(t *testing.T) *loopback {
	b := &loopback{queue: make(chan loopMsg, 256)}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range b.queue {
			b.deliver(msg)
		}
	}()
	t.Cleanup(func() {
		close(b.queue)
		b.wg.Wait()
	})
	return b
}

func (b *loopback) deliver(msg loopMsg) {
	b.mu.Lock()
	var handlers []MessageHandler
	for _, s := range b.subs {
		if topicMatches(s.filter, msg.topic) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(msg.topic, msg.payload)
	}
}

func (b *loopback) client() *loopClient {
	return &loopClient{broker: b}
}

type published struct {
	topic   string
	payload []byte
}

// loopClient is a Client attached to a loopback broker. Errors can be
// injected per operation.
type loopClient struct {
	broker *loopback

	mu           sync.Mutex
	observers    []ConnectionObserver
	published    []published
	subscribed   []string
	unsubscribed []string
	connectErr   error
	publishErr   error
	subscribeErr error

	// subscribeGate, when set, holds every Subscribe until it is closed.
	subscribeGate chan struct{}
}

func (c *loopClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	err := c.connectErr
	observers := append([]ConnectionObserver(nil), c.observers...)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	for _, o := range observers {
		o.HandleConnected()
	}
	return nil
}

func (c *loopClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.mu.Lock()
	err := c.publishErr
	if err == nil {
		c.published = append(c.published, published{topic, append([]byte(nil), payload...)})
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.broker.queue <- loopMsg{topic: topic, payload: payload}
	return nil
}

func (c *loopClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	gate := c.subscribeGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	err := c.subscribeErr
	if err == nil {
		c.subscribed = append(c.subscribed, topic)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.broker.mu.Lock()
	c.broker.subs = append(c.broker.subs, loopSub{client: c, filter: topic, handler: handler})
	c.broker.mu.Unlock()
	return nil
}

func (c *loopClient) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	c.mu.Unlock()

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	kept := c.broker.subs[:0]
	for _, s := range c.broker.subs {
		drop := false
		for _, t := range topics {
			if s.client == c && s.filter == t {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	c.broker.subs = kept
	return nil
}

func (c *loopClient) Observe(o ConnectionObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *loopClient) Disconnect() {}

// dropConnection simulates a broker disconnect.
func (c *loopClient) dropConnection() {
	c.mu.Lock()
	observers := append([]ConnectionObserver(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o.HandleConnectionLost(errors.New("connection reset"))
	}
}

func (c *loopClient) publishedTo(topic string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, p := range c.published {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

func (c *loopClient) publishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// topicMatches implements MQTT topic filter matching for + and #.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
