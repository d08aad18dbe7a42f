package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/mqtt"
)

const byeMessage = "bye"

// peerOf pairs car1 with car2 and every other device with car1.
func peerOf(device string) string {
	if device == "car1" {
		return "car2"
	}
	return "car1"
}

// chat relays console lines to the peer's inbox and prints the device's own
// inbox. Either side saying "bye" ends it.
type chat struct {
	client mqtt.Client
	self   string
	peer   string
	out    io.Writer
	log    *zap.SugaredLogger

	outMu sync.Mutex
	bye   chan struct{}
	once  sync.Once
}

func newChat(client mqtt.Client, self string, out io.Writer, log *zap.SugaredLogger) *chat {
	return &chat{
		client: client,
		self:   self,
		peer:   peerOf(self),
		out:    out,
		log:    log,
		bye:    make(chan struct{}),
	}
}

func (c *chat) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *chat) handleMessage(topic string, payload []byte) {
	text := string(payload)
	c.printf("Message received on topic %s : %s\n", topic, text)
	if strings.TrimSpace(text) == byeMessage {
		c.printf("%s said bye, ending the chat\n", c.peer)
		c.once.Do(func() { close(c.bye) })
	}
}

func (c *chat) run(ctx context.Context, in io.Reader) error {
	inbox := mqtt.MessagingTopic(c.self)
	outbox := mqtt.MessagingTopic(c.peer)
	if err := c.client.Subscribe(inbox, 1, c.handleMessage); err != nil {
		return err
	}
	defer c.client.Unsubscribe(inbox)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			case <-c.bye:
				return
			}
		}
	}()

	for {
		c.printf("Enter a message to send to %s:\n", outbox)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.bye:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.client.Publish(outbox, 1, false, []byte(line)); err != nil {
				c.log.Warnw("failed to send message", "topic", outbox, "error", err)
				continue
			}
			if strings.TrimSpace(line) == byeMessage {
				return nil
			}
		}
	}
}
