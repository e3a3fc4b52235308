// Package mqtt publishes diagnosis summaries to an MQTT broker.
package mqtt

import (
	"context"
	"time"
)

// Client is the subset of broker operations the publisher needs.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload string) error
	IsConnected() bool
	Disconnect()
}

// Config holds the connection settings of a Client.
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	Topic             string
	Retain            bool
	ReconnectCooldown time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with default timeouts.
func DefaultConfig() Config {
	return Config{
		ReconnectCooldown: 5 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}
