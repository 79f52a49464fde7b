package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devicebus-core/internal/affinity"
	"github.com/nerrad567/devicebus-core/internal/bus"
	"github.com/nerrad567/devicebus-core/internal/codec"
	"github.com/nerrad567/devicebus-core/internal/device"
	"github.com/nerrad567/devicebus-core/internal/message"
	"github.com/nerrad567/devicebus-core/internal/producer"
)

const (
	node        = "gw-1"
	reportTopic = "/iot/prodX/dev1/properties/report"
	setTopic    = "/iot/prodX/dev1/properties/set"
)

var reportFrame = []byte(`{"id":"f-1","timestamp":1772355600000,"data":{"temperature":21.5}}`)

// fakeTransport records frames and can be told to fail.
type fakeTransport struct {
	mu     sync.Mutex
	frames map[string][][]byte
	err    error
}

func (t *fakeTransport) Send(_ context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if t.frames == nil {
		t.frames = map[string][][]byte{}
	}
	t.frames[topic] = append(t.frames[topic], payload)
	return nil
}

func (t *fakeTransport) sent(topic string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames[topic]
}

// fakeDirectory serves identities from a map keyed by "pid/did".
type fakeDirectory map[string]device.Identity

func (d fakeDirectory) ByIdentification(_ context.Context, pid, did string) (device.Identity, error) {
	if id, ok := d[message.DeviceKey(pid, did)]; ok {
		return id, nil
	}
	return device.Identity{}, device.ErrDeviceNotFound
}

func (d fakeDirectory) ByID(_ context.Context, id string) (device.Identity, error) {
	for _, identity := range d {
		if identity.ID == id {
			return identity, nil
		}
	}
	return device.Identity{}, device.ErrDeviceNotFound
}

type recorder struct {
	mu   sync.Mutex
	msgs []message.DeviceMessage
}

func (r *recorder) handle(_ context.Context, msg message.DeviceMessage) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type harness struct {
	gw        *Gateway
	bus       *bus.LocalBus
	store     *affinity.MemoryStore
	producer  *producer.Producer
	transport *fakeTransport
	upstream  *recorder
	now       time.Time
}

func newHarness(t *testing.T, dir device.Directory) *harness {
	t.Helper()

	codecs := codec.NewRegistry()
	require.NoError(t, codec.RegisterBuiltins(codecs))
	codecs.Seal()

	h := &harness{
		bus:       bus.NewLocal(bus.Options{PostTimeout: 50 * time.Millisecond}),
		store:     affinity.NewMemoryStore(affinity.MemoryOptions{TTL: time.Minute}),
		transport: &fakeTransport{},
		upstream:  &recorder{},
		now:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() {
		_ = h.bus.Close()
		_ = h.store.Close()
	})

	h.producer = producer.New(h.bus, h.store, producer.Options{Node: node})
	h.gw = New(Deps{
		Codecs:    codecs,
		Store:     h.store,
		Upstream:  h.producer,
		Transport: h.transport,
		Directory: dir,
	}, Options{
		Node:       node,
		SessionTTL: time.Minute,
		Now:        func() time.Time { return h.now },
	})

	require.NoError(t, h.bus.Subscribe(bus.Subscription{
		Name: "rules", Pattern: producer.UpstreamTopic, Handler: h.upstream.handle,
	}))
	require.NoError(t, h.bus.Subscribe(h.gw.Subscription()))
	return h
}

func (h *harness) owner(t *testing.T, key string) string {
	t.Helper()
	serverID, err := h.store.Get(context.Background(), key)
	if errors.Is(err, affinity.ErrNotFound) {
		return ""
	}
	require.NoError(t, err)
	return serverID
}

func commandTo(pid, did string) message.DeviceMessage {
	return message.DeviceMessage{
		Topic:                 "/iot/" + pid + "/" + did + "/properties/set",
		ProductIdentification: pid,
		DeviceIdentification:  did,
		FunctionType:          message.FunctionProperty,
		Payload:               map[string]any{"power": true},
	}
}

// =============================================================================
// Upstream
// =============================================================================

func TestHandleUpstream(t *testing.T) {
	dir := fakeDirectory{"prodX/dev1": {ID: "dev-001", ProductIdentification: "prodX", DeviceIdentification: "dev1", TenantID: "t1"}}
	h := newHarness(t, dir)

	msg, err := h.gw.HandleUpstream(context.Background(), reportTopic, reportFrame)
	require.NoError(t, err)

	assert.Equal(t, "f-1", msg.ID)
	assert.Equal(t, "t1", msg.TenantID)
	assert.Equal(t, message.Upstream, msg.Direction)
	assert.Equal(t, 21.5, msg.Payload["temperature"])

	assert.Equal(t, node, h.owner(t, "prodX/dev1"), "uplink refreshes affinity")
	assert.True(t, h.gw.Connected("prodX/dev1"))
	require.Eventually(t, func() bool { return h.upstream.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandleUpstream_Rejections(t *testing.T) {
	dir := fakeDirectory{"prodX/dev1": {ID: "dev-001", ProductIdentification: "prodX", DeviceIdentification: "dev1"}}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		want    error
	}{
		{"unknown topic", "/iot/prodX/dev1/firmware/report", reportFrame, message.ErrCodecNotFound},
		{"malformed payload", reportTopic, []byte(`{not json`), message.ErrInvalidMessage},
		{"downstream topic", setTopic, reportFrame, message.ErrInvalidMessage},
		{"unregistered device", "/iot/prodX/ghost/properties/report", reportFrame, message.ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, dir)
			_, err := h.gw.HandleUpstream(context.Background(), tt.topic, tt.payload)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, message.StageDecodeFailed, message.FailureStage(err))

			time.Sleep(10 * time.Millisecond)
			assert.Zero(t, h.upstream.count(), "rejected frames are not published")
			assert.Empty(t, h.owner(t, "prodX/ghost"))
		})
	}
}

func TestHandleUpstream_NoDirectory(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.gw.HandleUpstream(context.Background(), reportTopic, reportFrame)
	require.NoError(t, err)
}

// =============================================================================
// Sessions
// =============================================================================

func TestConnectHeartbeatDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.gw.Connect(ctx, "prodX", "dev1"))
	assert.Equal(t, node, h.owner(t, "prodX/dev1"))

	h.now = h.now.Add(50 * time.Second)
	require.NoError(t, h.gw.Heartbeat(ctx, "prodX", "dev1"))
	h.now = h.now.Add(50 * time.Second)
	assert.True(t, h.gw.Connected("prodX/dev1"), "heartbeat extends the session")

	require.NoError(t, h.gw.Disconnect(ctx, "prodX", "dev1"))
	assert.Empty(t, h.owner(t, "prodX/dev1"))
	assert.False(t, h.gw.Connected("prodX/dev1"))
}

func TestDisconnect_KeepsNewerOwner(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.gw.Connect(ctx, "prodX", "dev1"))
	// The device reconnects through another gateway before our disconnect lands.
	require.NoError(t, h.store.Save(ctx, "prodX/dev1", "gw-2"))

	require.NoError(t, h.gw.Disconnect(ctx, "prodX", "dev1"))
	assert.Equal(t, "gw-2", h.owner(t, "prodX/dev1"))
}

func TestSessionExpires(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.gw.Connect(context.Background(), "prodX", "dev1"))

	h.now = h.now.Add(2 * time.Minute)
	assert.False(t, h.gw.Connected("prodX/dev1"))
}

func TestSweep_DropsExpiredSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.gw.Connect(ctx, "prodX", "dev1"))
	h.now = h.now.Add(30 * time.Second)
	require.NoError(t, h.gw.Connect(ctx, "prodX", "dev2"))
	assert.Equal(t, 2, h.gw.Sessions())

	h.now = h.now.Add(45 * time.Second)
	assert.Equal(t, 1, h.gw.Sweep(), "only dev1 is past the TTL")
	assert.Equal(t, 1, h.gw.Sessions())
	assert.True(t, h.gw.Connected("prodX/dev2"))
}

func TestJanitor_SweepsInBackground(t *testing.T) {
	store := affinity.NewMemoryStore(affinity.MemoryOptions{TTL: time.Minute})
	t.Cleanup(func() { _ = store.Close() })

	gw := New(Deps{Store: store}, Options{
		Node:          node,
		SessionTTL:    10 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	require.NoError(t, gw.Connect(context.Background(), "prodX", "dev1"))

	require.Eventually(t, func() bool { return gw.Sessions() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, gw.Close())
	require.NoError(t, gw.Close(), "Close is idempotent")
}

// =============================================================================
// Downstream
// =============================================================================

func TestDownstream_ThroughGatewayTopic(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.gw.Connect(ctx, "prodX", "dev1"))

	serverID, err := h.producer.SendDownstream(ctx, commandTo("prodX", "dev1"))
	require.NoError(t, err)
	assert.Equal(t, node, serverID)

	require.Eventually(t, func() bool { return len(h.transport.sent(setTopic)) == 1 }, time.Second, 5*time.Millisecond)

	var env map[string]any
	require.NoError(t, json.Unmarshal(h.transport.sent(setTopic)[0], &env))
	assert.Equal(t, "property_set", env["type"])
	assert.Equal(t, map[string]any{"power": true}, env["data"])
}

func TestDeliver_NoSessionRemovesAffinity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// A stale entry: it names this node but the device never connected here.
	require.NoError(t, h.store.Save(ctx, "prodX/dev1", node))

	msg := commandTo("prodX", "dev1")
	msg.Direction = message.Downstream
	err := h.gw.Deliver(ctx, msg)
	require.ErrorIs(t, err, message.ErrDeviceOffline)
	assert.Empty(t, h.owner(t, "prodX/dev1"), "stale entry is removed")

	_, err = h.producer.SendDownstream(ctx, commandTo("prodX", "dev1"))
	assert.ErrorIs(t, err, message.ErrDeviceOffline, "the next lookup does not repeat the failure")
}

func TestDeliver_TransportFailureRemovesAffinity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.gw.Connect(ctx, "prodX", "dev1"))

	h.transport.err = context.DeadlineExceeded
	msg := commandTo("prodX", "dev1")
	msg.Direction = message.Downstream

	err := h.gw.Deliver(ctx, msg)
	require.ErrorIs(t, err, message.ErrDeliveryTimeout)
	assert.Empty(t, h.owner(t, "prodX/dev1"))
	assert.False(t, h.gw.Connected("prodX/dev1"))
}

func TestDeliver_EncodeFailureRemovesAffinity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.gw.Connect(ctx, "prodX", "dev1"))

	msg := commandTo("prodX", "dev1")
	msg.Topic = "/iot/prodX/dev1/firmware/push"
	msg.Direction = message.Downstream

	require.ErrorIs(t, h.gw.Deliver(ctx, msg), message.ErrCodecNotFound)
	assert.Empty(t, h.owner(t, "prodX/dev1"))
}

func TestSubscription(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.gw.Subscription()
	assert.Equal(t, "bus.gateway.gw-1.downstream", sub.Pattern)
	assert.Equal(t, sub.Pattern, sub.Group)
}

// =============================================================================
// NACK
// =============================================================================

func TestNackFor(t *testing.T) {
	tests := []struct {
		err       error
		code      NackCode
		retryable bool
	}{
		{message.ErrCodecNotFound, NackUnsupportedTopic, false},
		{message.ErrInvalidMessage, NackInvalidPayload, false},
		{message.ErrDeviceOffline, NackDeviceOffline, true},
		{message.ErrDeliveryTimeout, NackTimeout, true},
		{message.ErrIngestFailure, NackStorage, true},
		{message.ErrCodecAmbiguous, NackInternal, false},
		{errors.New("boom"), NackInternal, false},
	}
	for _, tt := range tests {
		n := NackFor(tt.err)
		assert.Equal(t, tt.code, n.Code, "%v", tt.err)
		assert.Equal(t, tt.retryable, n.Retryable, "%v", tt.err)
	}

	ambiguous := NackFor(errors.Join(message.ErrCodecAmbiguous, message.ErrCodecNotFound))
	assert.Equal(t, NackInternal, ambiguous.Code)
	assert.NotContains(t, ambiguous.Message, "ambiguous")

	assert.Equal(t, Nack{}, NackFor(nil))
}
