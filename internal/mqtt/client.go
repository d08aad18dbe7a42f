package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/config"
)

// MessageHandler is called for every message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// ConnectionObserver is told about (re)connects and connection losses.
type ConnectionObserver interface {
	HandleConnected()
	HandleConnectionLost(err error)
}

// Client is the slice of an MQTT client this package needs.
type Client interface {
	Connect(ctx context.Context) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
	Observe(o ConnectionObserver)
	Disconnect()
}

// CredentialsFunc supplies the username and password for each (re)connect.
type CredentialsFunc func() (username, password string)

// Will is published by the broker when the client vanishes.
type Will struct {
	Topic   string
	Payload []byte
}

type ClientOptions struct {
	// RandomSuffix appends "-<n>" to the client ID so several consoles can
	// watch the same devices.
	RandomSuffix bool
	Credentials  CredentialsFunc
	Will         *Will
	// OperationTimeout bounds publish and subscribe acknowledgements.
	OperationTimeout time.Duration
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// PahoClient is a Client backed by the Eclipse Paho MQTT client. It restores
// its subscriptions after every reconnect.
type PahoClient struct {
	client  MQTT.Client
	broker  string
	timeout time.Duration
	log     *zap.SugaredLogger

	mu        sync.Mutex
	subs      map[string]subscription
	observers []ConnectionObserver
}

func NewPahoClient(cfg config.MQTT, o ClientOptions, log *zap.SugaredLogger) (*PahoClient, error) {
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 10 * time.Second
	}
	c := &PahoClient{
		broker:  cfg.BrokerURL,
		timeout: o.OperationTimeout,
		log:     log,
		subs:    make(map[string]subscription),
	}

	clientID := cfg.ClientID
	if o.RandomSuffix {
		clientID += "-" + strconv.Itoa(rand.Intn(100000)+1)
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID)
	if o.Credentials != nil {
		opts.SetCredentialsProvider(MQTT.CredentialsProvider(o.Credentials))
	} else {
		opts.SetUsername(cfg.Username)
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.TLSEnabled() {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	if o.Will != nil {
		opts.SetWill(o.Will.Topic, string(o.Will.Payload), 1, false)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(_ MQTT.Client) {
		log.Infof("connected to MQTT broker %s", cfg.BrokerURL)
		mqttConnected.Set(1)
		c.resubscribe()
		for _, o := range c.observerList() {
			o.HandleConnected()
		}
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		log.Warnf("connection lost to MQTT broker %s: %v", cfg.BrokerURL, err)
		mqttConnected.Set(0)
		for _, o := range c.observerList() {
			o.HandleConnectionLost(err)
		}
	})

	c.client = MQTT.NewClient(opts)
	return c, nil
}

func (c *PahoClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", c.broker, err)
	}
	return nil
}

func (c *PahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if err := c.wait(token, "publish "+topic); err != nil {
		return err
	}
	mqttMessages.WithLabelValues("out").Inc()
	return nil
}

func (c *PahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, c.wrap(handler))
	if err := c.wait(token, "subscribe "+topic); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

func (c *PahoClient) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return c.wait(c.client.Unsubscribe(topics...), "unsubscribe")
}

func (c *PahoClient) Observe(o ConnectionObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *PahoClient) Disconnect() {
	c.client.Disconnect(250)
	mqttConnected.Set(0)
}

func (c *PahoClient) wrap(handler MessageHandler) MQTT.MessageHandler {
	return func(_ MQTT.Client, m MQTT.Message) {
		mqttMessages.WithLabelValues("in").Inc()
		handler(m.Topic(), m.Payload())
	}
}

// resubscribe restores subscriptions lost with the clean session.
func (c *PahoClient) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		if err := c.wait(c.client.Subscribe(topic, s.qos, c.wrap(s.handler)), "resubscribe "+topic); err != nil {
			c.log.Errorw("failed to restore subscription", "topic", topic, "error", err)
		}
	}
}

func (c *PahoClient) observerList() []ConnectionObserver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConnectionObserver(nil), c.observers...)
}

func (c *PahoClient) wait(token MQTT.Token, what string) error {
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("%s: timed out after %s", what, c.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func newTLSConfig(cfg config.MQTT) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pemCerts, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemCerts) {
			return nil, errors.New("no certificates found in CA file")
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
