package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devicebus-core/internal/infrastructure/mqtt"
)

type fakeMQTT struct {
	handlers  map[string]mqtt.MessageHandler
	published []string
	qos       byte
	err       error
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	if f.handlers == nil {
		f.handlers = map[string]mqtt.MessageHandler{}
	}
	f.handlers[topic] = handler
	f.qos = qos
	return nil
}

func (f *fakeMQTT) Unsubscribe(topic string) error {
	delete(f.handlers, topic)
	return nil
}

func (f *fakeMQTT) Publish(ctx context.Context, topic string, _ []byte, qos byte, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, topic)
	f.qos = qos
	return nil
}

func TestUplinkListener(t *testing.T) {
	h := newHarness(t, nil)
	client := &fakeMQTT{}

	l := NewUplinkListener(h.gw, client, "/iot/+/+/#", "devicebus-uplink", 1)
	assert.Equal(t, "$share/devicebus-uplink//iot/+/+/#", l.Filter())
	require.NoError(t, l.Start())

	handler := client.handlers[l.Filter()]
	require.NotNil(t, handler)
	assert.Equal(t, byte(1), client.qos)

	require.NoError(t, handler(reportTopic, reportFrame))
	require.Eventually(t, func() bool { return h.upstream.count() == 1 }, time.Second, 5*time.Millisecond)

	// Our own downstream publications are echoed back by the filter.
	require.NoError(t, handler(setTopic, []byte(`{"data":{"power":true}}`)))
	assert.Error(t, handler("/iot/prodX/dev1/unknown", reportFrame))

	require.NoError(t, l.Stop())
	assert.Empty(t, client.handlers)
}

func TestUplinkListener_Unshared(t *testing.T) {
	h := newHarness(t, nil)
	l := NewUplinkListener(h.gw, &fakeMQTT{}, "/iot/+/+/#", "", 0)
	assert.Equal(t, "/iot/+/+/#", l.Filter())
}

func TestMQTTTransport(t *testing.T) {
	client := &fakeMQTT{}
	tr := NewMQTTTransport(client, 1)

	require.NoError(t, tr.Send(context.Background(), setTopic, []byte("{}")))
	assert.Equal(t, []string{setTopic}, client.published)
	assert.Equal(t, byte(1), client.qos)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Send(ctx, setTopic, nil), context.Canceled)

	client.err = mqtt.ErrNotConnected
	assert.True(t, errors.Is(tr.Send(context.Background(), setTopic, nil), mqtt.ErrNotConnected))
}
