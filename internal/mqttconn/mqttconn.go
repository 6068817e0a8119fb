// Package mqttconn owns the device-facing broker connection shared by
// the bridge and the route delivery worker. It wraps autopaho's
// reconnecting connection manager with the platform's connect, will,
// and TLS conventions.
package mqttconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/fleetline/fleetline/internal/config"
)

// Conn is a connected (or reconnecting) broker session.
type Conn struct {
	cfg    config.MQTTConfig
	role   string
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// Subscription describes one topic filter to subscribe on every
// (re-)connect.
type Subscription struct {
	Filter string
	QoS    byte
}

// Options tunes the connection for its role.
type Options struct {
	// Role names the process (bridge, deliver) and forms the client ID
	// together with the configured prefix.
	Role string
	// Subscriptions are re-established on every connection.
	Subscriptions []Subscription
	// OnPublish receives inbound messages for the subscriptions. The
	// receipt carries the client, so handlers can ack manually when
	// ManualAcks is set.
	OnPublish func(autopaho.PublishReceived)
	// ManualAcks defers the QoS 1 puback to the handler. Unacked
	// messages are redelivered by the broker after reconnect.
	ManualAcks bool
}

// Connect dials the broker and keeps the session alive until ctx is
// cancelled. The initial connection is awaited for up to 30 s; after
// that autopaho retries in the background.
func Connect(ctx context.Context, cfg config.MQTTConfig, opts Options, logger *slog.Logger) (*Conn, error) {
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := cfg.ClientIDPrefix + "-" + opts.Role
	c := &Conn{cfg: cfg, role: opts.Role, logger: logger}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   "fleetd/" + opts.Role + "/availability",
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", cfg.Broker, "client_id", clientID)
			upCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.resubscribe(upCtx, cm, opts.Subscriptions)
			c.publishAvailability(upCtx, cm, "online")
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:                   clientID,
			EnableManualAcknowledgment: opts.ManualAcks,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	if opts.OnPublish != nil {
		cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("mqtt message handler panicked",
							"topic", pr.Packet.Topic, "panic", r)
					}
				}()
				opts.OnPublish(pr)
			}()
			return true, nil
		})
	}

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return c, nil
}

func (c *Conn) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager, subs []Subscription) {
	if len(subs) == 0 {
		return
	}
	var opts []paho.SubscribeOptions
	for _, s := range subs {
		opts = append(opts, paho.SubscribeOptions{Topic: s.Filter, QoS: s.QoS})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Warn("mqtt subscribe failed", "filters", len(subs), "error", err)
		return
	}
	c.logger.Info("mqtt subscribed", "filters", len(subs))
}

func (c *Conn) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   "fleetd/" + c.role + "/availability",
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

// Publish sends one message at the given QoS and waits for the broker
// acknowledgement (for QoS ≥ 1).
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// AwaitConnection blocks until the broker session is up or ctx
// expires. Used by health probes.
func (c *Conn) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt connection not started")
	}
	return c.cm.AwaitConnection(ctx)
}

// Close publishes the offline availability message and disconnects.
func (c *Conn) Close(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.publishAvailability(ctx, c.cm, "offline")
	return c.cm.Disconnect(ctx)
}
