package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// Registry errors.
var (
	// ErrRegistrySealed is returned by Register after Seal has been called.
	ErrRegistrySealed = errors.New("codec: registry sealed")

	// ErrDuplicateCodec is returned when a codec name is registered twice.
	ErrDuplicateCodec = errors.New("codec: duplicate codec name")

	// ErrInvalidCodec is returned when a codec registration is incomplete.
	ErrInvalidCodec = errors.New("codec: invalid codec")
)

// DecodeFunc converts raw bytes received on topic into a DeviceMessage.
// vars holds the token values extracted from the topic; it is empty when the
// codec was selected through the legacy type tag.
type DecodeFunc func(topic string, vars Vars, data []byte) (message.DeviceMessage, error)

// EncodeFunc converts a DeviceMessage into the wire bytes for its topic.
type EncodeFunc func(msg message.DeviceMessage) ([]byte, error)

// Codec binds a topic pattern to a pair of conversion functions.
type Codec struct {
	// Name uniquely identifies the codec within a registry.
	Name string

	// Pattern is the topic pattern, e.g. "/iot/${pid}/${did}/config/push".
	Pattern string

	// Direction is the direction of traffic carried on matching topics.
	Direction message.Direction

	// FunctionType, when set, is the only function type the codec carries.
	FunctionType message.FunctionType

	// Type is the legacy flat type tag. When a topic matches no pattern, a
	// codec whose Type equals the payload's "type" field is used instead.
	Type string

	// Deprecated codecs are skipped by ambiguity checks and only match when
	// no active codec does.
	Deprecated bool

	Encode EncodeFunc
	Decode DecodeFunc
}

// Info is the read-only description of a registered codec.
type Info struct {
	Name         string               `json:"name"`
	Pattern      string               `json:"pattern"`
	Direction    message.Direction    `json:"direction"`
	FunctionType message.FunctionType `json:"function_type,omitempty"`
	Type         string               `json:"type,omitempty"`
	Deprecated   bool                 `json:"deprecated,omitempty"`
}

type entry struct {
	codec   Codec
	pattern *Pattern
}

// table is an immutable registration snapshot.
type table struct {
	active     []*entry
	deprecated []*entry
	byType     map[string]*entry
	byName     map[string]*entry
	order      []*entry
}

// Registry resolves concrete topics to codecs.
//
// Registration happens once at startup. Each Register publishes a fresh
// immutable snapshot, so Resolve, Decode and Encode never take a lock.
// Call Seal once startup registration is complete.
//
// All public methods are thread-safe.
type Registry struct {
	mu     sync.Mutex // serialises writers
	snap   atomic.Pointer[table]
	sealed atomic.Bool
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&table{
		byType: map[string]*entry{},
		byName: map[string]*entry{},
	})
	return r
}

// Register adds a codec.
//
// Returns ErrCodecAmbiguous (wrapped) when the codec's pattern or legacy type
// tag collides with an active codec already registered. The process must not
// serve with an ambiguous registry.
func (r *Registry) Register(c Codec) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if c.Name == "" || c.Encode == nil || c.Decode == nil {
		return fmt.Errorf("%w: name, encode and decode are required", ErrInvalidCodec)
	}
	if !c.Direction.Valid() {
		return fmt.Errorf("%w: %s: direction %q", ErrInvalidCodec, c.Name, c.Direction)
	}
	p, err := CompilePattern(c.Pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, dup := cur.byName[c.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateCodec, c.Name)
	}

	e := &entry{codec: c, pattern: p}
	if !c.Deprecated {
		for _, other := range cur.active {
			if p.Overlaps(other.pattern) {
				return fmt.Errorf("%w: %s (%s) overlaps %s (%s)",
					message.ErrCodecAmbiguous, c.Name, c.Pattern, other.codec.Name, other.codec.Pattern)
			}
		}
		if c.Type != "" {
			if other, ok := cur.byType[c.Type]; ok && !other.codec.Deprecated {
				return fmt.Errorf("%w: %s and %s share type tag %q",
					message.ErrCodecAmbiguous, c.Name, other.codec.Name, c.Type)
			}
		}
	}

	r.snap.Store(cur.with(e))
	return nil
}

// MustRegister registers every codec and panics on the first error.
func (r *Registry) MustRegister(codecs ...Codec) {
	for _, c := range codecs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Seal ends the registration phase.
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

func (t *table) with(e *entry) *table {
	next := &table{
		active:     append([]*entry(nil), t.active...),
		deprecated: append([]*entry(nil), t.deprecated...),
		order:      append(append([]*entry(nil), t.order...), e),
		byType:     make(map[string]*entry, len(t.byType)+1),
		byName:     make(map[string]*entry, len(t.byName)+1),
	}
	for k, v := range t.byType {
		next.byType[k] = v
	}
	for k, v := range t.byName {
		next.byName[k] = v
	}

	next.byName[e.codec.Name] = e
	if e.codec.Deprecated {
		next.deprecated = append(next.deprecated, e)
		if _, taken := next.byType[e.codec.Type]; e.codec.Type != "" && !taken {
			next.byType[e.codec.Type] = e
		}
	} else {
		next.active = append(next.active, e)
		if e.codec.Type != "" {
			next.byType[e.codec.Type] = e
		}
	}
	return next
}

// Resolve returns the codec whose pattern matches topic, scanning active
// codecs in registration order, then deprecated ones.
//
// Returns message.ErrCodecNotFound (wrapped) when nothing matches.
func (r *Registry) Resolve(topic string) (Codec, Vars, error) {
	e, vars := r.snap.Load().resolve(topic)
	if e == nil {
		return Codec{}, nil, fmt.Errorf("%w: %s", message.ErrCodecNotFound, topic)
	}
	return e.codec, vars, nil
}

// ResolveType returns the codec registered for a legacy type tag.
func (r *Registry) ResolveType(tag string) (Codec, error) {
	if e, ok := r.snap.Load().byType[tag]; ok && tag != "" {
		return e.codec, nil
	}
	return Codec{}, fmt.Errorf("%w: type %q", message.ErrCodecNotFound, tag)
}

func (t *table) resolve(topic string) (*entry, Vars) {
	for _, e := range t.active {
		if vars, ok := e.pattern.Match(topic); ok {
			return e, vars
		}
	}
	for _, e := range t.deprecated {
		if vars, ok := e.pattern.Match(topic); ok {
			return e, vars
		}
	}
	return nil, nil
}

// Decode converts raw bytes received on topic into a DeviceMessage.
//
// When no pattern matches topic, the payload's top-level "type" field is
// used to select a codec by its legacy tag before failing with
// message.ErrCodecNotFound. The decoded message always carries topic.
func (r *Registry) Decode(topic string, data []byte) (message.DeviceMessage, error) {
	t := r.snap.Load()

	e, vars := t.resolve(topic)
	if e == nil {
		e = t.byType[legacyTag(data)]
		vars = Vars{}
	}
	if e == nil {
		return message.DeviceMessage{}, fmt.Errorf("%w: %s", message.ErrCodecNotFound, topic)
	}

	msg, err := e.codec.Decode(topic, vars, data)
	if err != nil {
		return message.DeviceMessage{}, fmt.Errorf("%w: %s: %w", message.ErrInvalidMessage, e.codec.Name, err)
	}
	msg.Topic = topic
	if msg.Direction == "" {
		msg.Direction = e.codec.Direction
	}
	return msg, nil
}

// Encode converts msg into wire bytes for topic. The legacy type fallback
// uses msg.Type.
func (r *Registry) Encode(topic string, msg message.DeviceMessage) ([]byte, error) {
	t := r.snap.Load()

	e, _ := t.resolve(topic)
	if e == nil && msg.Type != "" {
		e = t.byType[msg.Type]
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", message.ErrCodecNotFound, topic)
	}

	msg.Topic = topic
	data, err := e.codec.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", message.ErrInvalidMessage, e.codec.Name, err)
	}
	return data, nil
}

// Codecs lists registered codecs in registration order.
func (r *Registry) Codecs() []Info {
	t := r.snap.Load()
	out := make([]Info, 0, len(t.order))
	for _, e := range t.order {
		out = append(out, Info{
			Name:         e.codec.Name,
			Pattern:      e.codec.Pattern,
			Direction:    e.codec.Direction,
			FunctionType: e.codec.FunctionType,
			Type:         e.codec.Type,
			Deprecated:   e.codec.Deprecated,
		})
	}
	return out
}

// Lookup returns the compiled pattern of a named codec.
func (r *Registry) Lookup(name string) (*Pattern, bool) {
	e, ok := r.snap.Load().byName[name]
	if !ok {
		return nil, false
	}
	return e.pattern, true
}

// legacyTag reads the top-level "type" field of a JSON payload. Non-JSON
// payloads have no tag.
func legacyTag(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}
