package bus

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devicebus-core/internal/infrastructure/mqtt"
)

func TestNATSSubject(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"/iot/${pid}/${did}/properties/report", "devicebus.iot.*.*.properties.report"},
		{"/iot/p1/d1/properties/report", "devicebus.iot.p1.d1.properties.report"},
		{"bus.device.upstream", "devicebus.bus_device_upstream"},
		{"bus.gateway.gw-7.downstream", "devicebus.bus_gateway_gw-7_downstream"},
		{"/iot/p*/d>1/x y", "devicebus.iot.p_.d_1.x_y"},
		{"/iot//a", "devicebus.iot._.a"},
		{"/iot/dev-${did}/report", "devicebus.iot.*.report"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, NATSSubject("devicebus", tt.topic))
		})
	}
	assert.Equal(t, "iot.p1", NATSSubject("", "/iot/p1"))
}

func TestMQTTTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"/iot/${pid}/${did}/config/push", "devicebus/iot/+/+/config/push"},
		{"/iot/p1/d1/config/push", "devicebus/iot/p1/d1/config/push"},
		{"bus.device.upstream", "devicebus/bus.device.upstream"},
		{"/iot/p+/d#/x", "devicebus/iot/p_/d_/x"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MQTTTopic("devicebus", tt.topic))
		})
	}
}

// =============================================================================
// NATS Bridge
// =============================================================================

type fakeNATSConn struct {
	published map[string][]byte
	subject   string
	queue     string
	handler   nats.MsgHandler
}

func (f *fakeNATSConn) Publish(_ context.Context, subject string, data []byte) error {
	if f.published == nil {
		f.published = map[string][]byte{}
	}
	f.published[subject] = data
	return nil
}

func (f *fakeNATSConn) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	f.subject, f.queue, f.handler = subject, queue, handler
	return &nats.Subscription{Subject: subject, Queue: queue}, nil
}

func TestNATSBridge(t *testing.T) {
	conn := &fakeNATSConn{}
	b := NewNATSBridge(conn, "devicebus")
	assert.Equal(t, "nats", b.Name())

	require.NoError(t, b.Publish(context.Background(), "bus.device.upstream", []byte("env")))
	assert.Equal(t, []byte("env"), conn.published["devicebus.bus_device_upstream"])

	var got []byte
	_, err := b.Subscribe("/iot/${pid}/${did}/properties/report", "ingest group", func(data []byte) { got = data })
	require.NoError(t, err)
	assert.Equal(t, "devicebus.iot.*.*.properties.report", conn.subject)
	assert.Equal(t, "ingest_group", conn.queue)

	conn.handler(&nats.Msg{Data: []byte("payload")})
	assert.Equal(t, []byte("payload"), got)
}

// =============================================================================
// MQTT Bridge
// =============================================================================

type fakeMQTTConn struct {
	published    map[string][]byte
	filter       string
	handler      mqtt.MessageHandler
	unsubscribed []string
}

func (f *fakeMQTTConn) Publish(ctx context.Context, topic string, payload []byte, _ byte, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.published == nil {
		f.published = map[string][]byte{}
	}
	f.published[topic] = payload
	return nil
}

func (f *fakeMQTTConn) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.filter, f.handler = topic, handler
	return nil
}

func (f *fakeMQTTConn) Unsubscribe(topic string) error {
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func TestMQTTBridge(t *testing.T) {
	conn := &fakeMQTTConn{}
	b := NewMQTTBridge(conn, "devicebus", 1)
	assert.Equal(t, "mqtt", b.Name())

	require.NoError(t, b.Publish(context.Background(), "/iot/p1/d1/config/push", []byte("env")))
	assert.Equal(t, []byte("env"), conn.published["devicebus/iot/p1/d1/config/push"])

	var got []byte
	sub, err := b.Subscribe("/iot/${pid}/${did}/config/push", "bus.gateway.gw/7", func(data []byte) { got = data })
	require.NoError(t, err)
	assert.Equal(t, "$share/bus.gateway.gw_7/devicebus/iot/+/+/config/push", conn.filter)

	require.NoError(t, conn.handler("devicebus/iot/p1/d1/config/push", []byte("payload")))
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, []string{conn.filter}, conn.unsubscribed)
}

func TestMQTTBridge_PublishPassesContext(t *testing.T) {
	conn := &fakeMQTTConn{}
	b := NewMQTTBridge(conn, "devicebus", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Publish(ctx, "bus.device.upstream", nil), context.Canceled)
	assert.Empty(t, conn.published)
}
