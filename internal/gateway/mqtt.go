package gateway

import (
	"context"
	"fmt"

	"github.com/nerrad567/devicebus-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/devicebus-core/internal/message"
)

// MQTTPublisher is the publish half of the MQTT client.
type MQTTPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSubscriber is the subscribe half of the MQTT client.
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTTransport writes downstream frames to devices through the broker.
type MQTTTransport struct {
	client MQTTPublisher
	qos    byte
}

// NewMQTTTransport creates a transport publishing at qos.
func NewMQTTTransport(client MQTTPublisher, qos byte) *MQTTTransport {
	return &MQTTTransport{client: client, qos: qos}
}

// Send implements Transport. The broker acknowledgement wait is bounded by
// ctx and by the client's publish timeout; both surface as
// context.DeadlineExceeded, which Deliver reports as a delivery timeout.
func (t *MQTTTransport) Send(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload, t.qos, false)
}

// UplinkListener feeds device frames received over MQTT into HandleUpstream.
type UplinkListener struct {
	gw     *Gateway
	client MQTTSubscriber
	filter string
	qos    byte
}

// NewUplinkListener builds the MQTT front-end for gw. When group is not
// empty the filter becomes a shared subscription, so each frame reaches one
// devicebus node.
func NewUplinkListener(gw *Gateway, client MQTTSubscriber, filter, group string, qos byte) *UplinkListener {
	if group != "" {
		filter = mqtt.Topics{}.Shared(group, filter)
	}
	return &UplinkListener{gw: gw, client: client, filter: filter, qos: qos}
}

// Filter returns the MQTT subscription filter in use.
func (l *UplinkListener) Filter() string { return l.filter }

// Start subscribes to the uplink filter.
func (l *UplinkListener) Start() error {
	if err := l.client.Subscribe(l.filter, l.qos, l.handle); err != nil {
		return fmt.Errorf("subscribing to %s: %w", l.filter, err)
	}
	return nil
}

// Stop removes the subscription.
func (l *UplinkListener) Stop() error {
	return l.client.Unsubscribe(l.filter)
}

func (l *UplinkListener) handle(topic string, payload []byte) error {
	// The uplink filter also matches the downstream topics this node
	// publishes; those frames are ours and are skipped.
	if c, _, err := l.gw.deps.Codecs.Resolve(topic); err == nil && c.Direction == message.Downstream {
		return nil
	}
	_, err := l.gw.HandleUpstream(context.Background(), topic, payload)
	return err
}
