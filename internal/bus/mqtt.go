package bus

import (
	"context"
	"strings"

	"github.com/nerrad567/devicebus-core/internal/infrastructure/mqtt"
)

// MQTTConn is the part of mqtt.Client the MQTT bridge needs.
type MQTTConn interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTBridge carries bus envelopes over MQTT shared subscriptions
// ("$share/<group>/<filter>"): the broker hands each message to one session
// per share group.
type MQTTBridge struct {
	conn   MQTTConn
	prefix string
	qos    byte
}

// NewMQTTBridge creates a bridge publishing under prefix (e.g. "devicebus").
func NewMQTTBridge(conn MQTTConn, prefix string, qos byte) *MQTTBridge {
	return &MQTTBridge{conn: conn, prefix: prefix, qos: qos}
}

// Name implements Bridge.
func (b *MQTTBridge) Name() string { return "mqtt" }

// Publish implements Bridge. The broker acknowledgement wait is bounded by ctx.
func (b *MQTTBridge) Publish(ctx context.Context, topic string, data []byte) error {
	return b.conn.Publish(ctx, MQTTTopic(b.prefix, topic), data, b.qos, false)
}

// Subscribe implements Bridge.
func (b *MQTTBridge) Subscribe(pattern, group string, deliver func(data []byte)) (BridgeSubscription, error) {
	filter := mqtt.Topics{}.Shared(mqttShareName(group), MQTTTopic(b.prefix, pattern))
	err := b.conn.Subscribe(filter, b.qos, func(_ string, payload []byte) error {
		deliver(payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mqttSubscription{conn: b.conn, filter: filter}, nil
}

type mqttSubscription struct {
	conn   MQTTConn
	filter string
}

func (s mqttSubscription) Unsubscribe() error {
	return s.conn.Unsubscribe(s.filter)
}

// MQTTTopic maps a bus topic or pattern to an MQTT topic or filter.
//
// Segments holding a placeholder become '+'. Literal '+' and '#' become '_'
// so a concrete topic never turns into a wildcard.
//
//	"/iot/${pid}/${did}/config/push" -> "devicebus/iot/+/+/config/push"
//	"bus.device.upstream"            -> "devicebus/bus.device.upstream"
func MQTTTopic(prefix, topic string) string {
	segs := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	out := make([]string, 0, len(segs)+1)
	if prefix != "" {
		out = append(out, prefix)
	}
	for _, seg := range segs {
		if strings.Contains(seg, "${") {
			out = append(out, "+")
			continue
		}
		out = append(out, strings.NewReplacer("+", "_", "#", "_").Replace(seg))
	}
	return strings.Join(out, "/")
}

// mqttShareName strips characters that are not allowed in a share name.
func mqttShareName(group string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(group)
}

var _ Bridge = (*MQTTBridge)(nil)
