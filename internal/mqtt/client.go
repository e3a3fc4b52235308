package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/logger"
	"github.com/malarialab/smearscan/internal/observability/metrics"
)

const componentName = "mqtt"

// client implements Client on top of paho.
type client struct {
	config          Config
	internalClient  paho.Client
	lastConnAttempt time.Time
	mu              sync.Mutex
	log             logger.Logger
	recorder        metrics.Recorder
}

// NewClient creates a broker client from settings. It does not connect.
func NewClient(settings *conf.Settings, log logger.Logger, recorder metrics.Recorder) Client {
	cfg := DefaultConfig()
	cfg.Broker = settings.MQTT.Broker
	cfg.ClientID = fmt.Sprintf("%s-%d", settings.Main.Name, time.Now().UnixNano()%100000)
	cfg.Username = settings.MQTT.Username
	cfg.Password = settings.MQTT.Password
	cfg.Topic = settings.MQTT.Topic
	cfg.Retain = settings.MQTT.Retain
	return newClient(cfg, log, recorder)
}

func newClient(cfg Config, log logger.Logger, recorder metrics.Recorder) *client {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &client{config: cfg, log: log, recorder: metrics.OrNoOp(recorder)}
}

// Connect resolves the broker host and connects. Attempts closer together
// than the reconnect cooldown are refused.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since := time.Since(c.lastConnAttempt); since < c.config.ReconnectCooldown {
		return c.connectError(fmt.Errorf("connection attempt too recent, last attempt was %v ago", since))
	}
	c.lastConnAttempt = time.Now()

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return c.connectError(fmt.Errorf("invalid broker URL: %w", err))
	}
	if host := u.Hostname(); host != "" && net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return c.connectError(fmt.Errorf("failed to resolve hostname %s: %w", host, err))
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		c.log.Info("connected to broker", logger.String("broker", c.config.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.recorder.RecordError(metrics.OpMQTTPublish, "connection_lost")
		c.log.Warn("connection to broker lost",
			logger.String("broker", c.config.Broker),
			logger.Error(err))
	})

	c.internalClient = paho.NewClient(opts)
	token := c.internalClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return c.connectError(fmt.Errorf("connection timeout"))
	}
	if err := token.Error(); err != nil {
		return c.connectError(fmt.Errorf("connection error: %w", err))
	}
	return nil
}

// Publish sends payload to topic using QoS 1.
func (c *client) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked() {
		return c.publishError(fmt.Errorf("not connected to MQTT broker"), topic)
	}

	start := time.Now()
	token := c.internalClient.Publish(topic, 1, c.config.Retain, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return c.publishError(ctx.Err(), topic)
	case <-time.After(c.config.PublishTimeout):
		return c.publishError(fmt.Errorf("publish timeout"), topic)
	}
	if err := token.Error(); err != nil {
		return c.publishError(err, topic)
	}

	c.recorder.RecordDuration(metrics.OpMQTTPublish, time.Since(start).Seconds())
	c.recorder.RecordOperation(metrics.OpMQTTPublish, metrics.StatusSuccess)
	return nil
}

func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

func (c *client) isConnectedLocked() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the broker connection.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isConnectedLocked() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	}
}

func (c *client) connectError(err error) error {
	c.recorder.RecordError(metrics.OpMQTTPublish, "connect")
	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryMQTTConnect).
		Context("broker", c.config.Broker).
		Build()
}

func (c *client) publishError(err error, topic string) error {
	c.recorder.RecordError(metrics.OpMQTTPublish, metrics.StatusError)
	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryMQTTPublish).
		Context("topic", topic).
		Build()
}
