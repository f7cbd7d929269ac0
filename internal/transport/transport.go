// Package transport implements the MQTT binding between the agent and
// the cloud control plane: inbound decoder-manifest/campaign-list/
// state-template topics routed to handlers, and outbound checkin/
// vehicle-data publishes with a per-call deadline.
//
// Subscriptions are re-issued on every (re)connect; a lost connection
// only flips a connected flag — the Campaign Manager already treats a
// stale manifest/campaign set as transient and re-evaluates on the next
// update, so the transport recovers no state itself. Inbound messages
// route by topic suffix to three typed callbacks, since the three
// inbound document kinds need materially different handling.
package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	topicDecoderManifest   = "decoder_manifest"
	topicCollectionSchemes = "collection_schemes"
	topicStateTemplates    = "state_templates"
	topicCheckin           = "checkin"
	topicVehicleData       = "vehicle_data"
)

// ErrTransportFailed wraps any publish failure: ack timeout or broker
// error, surfaced to the caller to apply its own retry policy.
type ErrTransportFailed struct {
	Topic string
	Err   error
}

func (e *ErrTransportFailed) Error() string {
	return fmt.Sprintf("TRANSPORT_FAILED: publish %s: %v", e.Topic, e.Err)
}

func (e *ErrTransportFailed) Unwrap() error { return e.Err }

// Handlers routes each inbound document kind to its consumer. A nil
// field silently drops messages of that kind.
type Handlers struct {
	OnDecoderManifest   func(payload []byte)
	OnCollectionSchemes func(payload []byte)
	OnStateTemplates    func(payload []byte)
}

// Options configures a Transport connection.
type Options struct {
	BrokerURL      string
	ClientID       string
	VehicleID      string
	Username       string
	Password       string
	PublishTimeout time.Duration
	Log            zerolog.Logger
}

// Transport is the live MQTT connection. Implements checkin.Sender and
// serves as the Upload Queue's outbound sink for vehicle data.
type Transport struct {
	conn      mqtt.Client
	vehicleID string
	timeout   time.Duration
	connected atomic.Bool
	log       zerolog.Logger
	handlers  Handlers
}

// Connect establishes the MQTT connection and subscribes to this
// vehicle's three inbound topics. Subscriptions are re-issued by
// onConnect on every (re)connect, so a reconnect after a network blip
// needs no action from the caller.
func Connect(opts Options, handlers Handlers) (*Transport, error) {
	t := &Transport{
		vehicleID: opts.VehicleID,
		timeout:   opts.PublishTimeout,
		log:       opts.Log.With().Str("component", "transport").Logger(),
		handlers:  handlers,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	t.conn = mqtt.NewClient(clientOpts)
	token := t.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) topic(suffix string) string {
	return fmt.Sprintf("fleet/%s/%s", t.vehicleID, suffix)
}

func (t *Transport) onConnect(client mqtt.Client) {
	t.connected.Store(true)
	t.log.Info().Str("vehicle_id", t.vehicleID).Msg("mqtt connected, subscribing")

	filters := map[string]byte{
		t.topic(topicDecoderManifest):   0,
		t.topic(topicCollectionSchemes): 0,
		t.topic(topicStateTemplates):    0,
	}
	token := client.SubscribeMultiple(filters, t.dispatch)
	token.Wait()
	if err := token.Error(); err != nil {
		t.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (t *Transport) onConnectionLost(_ mqtt.Client, err error) {
	t.connected.Store(false)
	t.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// dispatch is the paho subscription callback; it delegates to route so
// the routing logic itself can be unit tested without a live broker or
// a fake mqtt.Message.
func (t *Transport) dispatch(_ mqtt.Client, msg mqtt.Message) {
	t.route(msg.Topic(), msg.Payload())
}

// route sends one inbound message by topic suffix, logging and dropping
// anything unrecognized rather than propagating — a malformed or
// unexpected topic must never stall the MQTT client's own receive loop.
func (t *Transport) route(topic string, payload []byte) {
	switch topic {
	case t.topic(topicDecoderManifest):
		if t.handlers.OnDecoderManifest != nil {
			t.handlers.OnDecoderManifest(payload)
		}
	case t.topic(topicCollectionSchemes):
		if t.handlers.OnCollectionSchemes != nil {
			t.handlers.OnCollectionSchemes(payload)
		}
	case t.topic(topicStateTemplates):
		if t.handlers.OnStateTemplates != nil {
			t.handlers.OnStateTemplates(payload)
		}
	default:
		t.log.Debug().Str("topic", topic).Msg("mqtt message on unrecognized topic")
	}
}

// publish sends one retained=false, QoS 1 message and waits up to the
// configured per-call deadline for broker acknowledgment.
func (t *Transport) publish(suffix string, payload []byte) error {
	topic := t.topic(suffix)
	token := t.conn.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(t.timeout) {
		return &ErrTransportFailed{Topic: topic, Err: fmt.Errorf("publish ack timed out after %s", t.timeout)}
	}
	if err := token.Error(); err != nil {
		return &ErrTransportFailed{Topic: topic, Err: err}
	}
	return nil
}

// Checkin implements checkin.Sender.
func (t *Transport) Checkin(syncIDs []string) error {
	payload, err := marshalCheckin(syncIDs)
	if err != nil {
		return err
	}
	return t.publish(topicCheckin, payload)
}

// PublishVehicleData sends one assembled TriggeredData payload.
func (t *Transport) PublishVehicleData(payload []byte) error {
	return t.publish(topicVehicleData, payload)
}

// IsConnected reports the current connection state, for the diagnostics
// API's health handler.
func (t *Transport) IsConnected() bool { return t.connected.Load() }

// Close disconnects, waiting up to 1s to flush in-flight acks.
func (t *Transport) Close() {
	t.log.Info().Msg("disconnecting mqtt client")
	t.conn.Disconnect(1000)
}
