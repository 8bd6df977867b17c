// Package trigger tells an anchor to reboot into its bootloader.
//
// The anchor application subscribes to a per-device MQTT topic. Publishing
// the DFU Request frame there makes it reset into the bootloader, which then
// dials back to the host on the DFU port.
//
//	n := trigger.NewMQTT("192.168.8.2", 1883)
//	defer n.Close()
//	err := n.Notify(ctx, 7, payload)
package trigger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// DefaultBrokerPort is the standard MQTT port.
const DefaultBrokerPort = 1883

// QoS used for trigger messages. Delivery is best effort; the host notices
// a missed trigger as an accept timeout.
const QoS byte = 0

// ErrNotify wraps every failure to deliver a trigger.
var ErrNotify = errors.New("trigger notify failed")

// Notifier delivers the reboot-to-bootloader message for one device.
type Notifier interface {
	Notify(ctx context.Context, deviceID uint8, payload []byte) error
	Close() error
}

// Topic returns the MQTT topic device id listens on.
func Topic(deviceID uint8) string {
	return fmt.Sprintf("/gl/anchor/%d/dfu", deviceID)
}

// BrokerURL builds the paho broker address for host and port.
func BrokerURL(host string, port int) string {
	if port == 0 {
		port = DefaultBrokerPort
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// MQTT publishes triggers through an MQTT broker. The connection is opened
// on the first Notify and kept until Close.
type MQTT struct {
	broker   string
	opts     *mqtt.ClientOptions
	newConn  func(*mqtt.ClientOptions) mqtt.Client
	clientID string

	mu     sync.Mutex
	client mqtt.Client
}

// MQTTOption configures an MQTT notifier.
type MQTTOption func(*MQTT)

// WithClientID overrides the generated client id.
func WithClientID(id string) MQTTOption {
	return func(m *MQTT) {
		m.clientID = id
	}
}

// WithCredentials sets the broker username and password.
func WithCredentials(username, password string) MQTTOption {
	return func(m *MQTT) {
		m.opts.SetUsername(username)
		m.opts.SetPassword(password)
	}
}

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) MQTTOption {
	return func(m *MQTT) {
		m.newConn = f
	}
}

// NewMQTT returns a notifier for the broker at host:port.
func NewMQTT(host string, port int, opts ...MQTTOption) *MQTT {
	broker := BrokerURL(host, port)
	m := &MQTT{
		broker: broker,
		opts: mqtt.NewClientOptions().
			AddBroker(broker).
			SetAutoReconnect(false).
			SetCleanSession(true).
			SetConnectTimeout(10 * time.Second),
		newConn:  mqtt.NewClient,
		clientID: "anchordfu-" + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.opts.SetClientID(m.clientID)
	return m
}

// ClientID returns the MQTT client id in use.
func (m *MQTT) ClientID() string {
	return m.clientID
}

// Notify publishes payload to Topic(deviceID). It returns once the message
// has been handed to the broker connection, or when ctx is done.
func (m *MQTT) Notify(ctx context.Context, deviceID uint8, payload []byte) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}

	topic := Topic(deviceID)
	if err := wait(ctx, client.Publish(topic, QoS, false, payload)); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrNotify, topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
	return nil
}

func (m *MQTT) connect(ctx context.Context) (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.client.IsConnected() {
		return m.client, nil
	}

	client := m.newConn(m.opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", ErrNotify, m.broker, err)
	}
	m.client = client
	return client, nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Nop is a Notifier that does nothing. It is used when the device is already
// in its bootloader.
type Nop struct{}

func (Nop) Notify(context.Context, uint8, []byte) error { return nil }
func (Nop) Close() error { return nil }

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, deviceID uint8, payload []byte) error

func (f Func) Notify(ctx context.Context, deviceID uint8, payload []byte) error {
	return f(ctx, deviceID, payload)
}

func (Func) Close() error { return nil }
