package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// Standard topic patterns carried by the built-in JSON codecs.
const (
	PatternPropertyReport = "/iot/${pid}/${did}/properties/report"
	PatternPropertySet    = "/iot/${pid}/${did}/properties/set"
	PatternEventReport    = "/iot/${pid}/${did}/events/${identifier}/report"
	PatternServiceInvoke  = "/iot/${pid}/${did}/services/${identifier}/invoke"
	PatternServiceReply   = "/iot/${pid}/${did}/services/${identifier}/reply"
	PatternConfigPush     = "/iot/${pid}/${did}/config/push"
)

// jsonEnvelope is the wire form shared by the built-in codecs:
//
//	{"id":"...","type":"property_report","timestamp":1700000000000,"data":{...}}
//
// The identification fields are only needed when a codec is selected through
// the legacy type tag and the topic carries no tokens.
type jsonEnvelope struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	Product    string         `json:"product_identification,omitempty"`
	Device     string         `json:"device_identification,omitempty"`
	Identifier string         `json:"identifier,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// JSONCodec builds a codec for the JSON envelope wire form.
//
// Parameters:
//   - name: unique codec name, also used as the legacy type tag
//   - pattern: topic pattern the codec is bound to
//   - fn: function type stamped on decoded messages
//   - dir: direction of traffic on matching topics
//
// Returns:
//   - Codec: ready to register
func JSONCodec(name, pattern string, fn message.FunctionType, dir message.Direction) Codec {
	return Codec{
		Name:         name,
		Pattern:      pattern,
		Direction:    dir,
		FunctionType: fn,
		Type:         name,
		Decode:       jsonDecoder(name, fn, dir),
		Encode:       jsonEncoder(name, fn),
	}
}

// Builtins returns the JSON codec family for the standard /iot topic set.
func Builtins() []Codec {
	return []Codec{
		JSONCodec("property_report", PatternPropertyReport, message.FunctionProperty, message.Upstream),
		JSONCodec("property_set", PatternPropertySet, message.FunctionProperty, message.Downstream),
		JSONCodec("event_report", PatternEventReport, message.FunctionEvent, message.Upstream),
		JSONCodec("service_invoke", PatternServiceInvoke, message.FunctionService, message.Downstream),
		JSONCodec("service_reply", PatternServiceReply, message.FunctionService, message.Upstream),
		JSONCodec("config_push", PatternConfigPush, message.FunctionProperty, message.Downstream),
	}
}

// RegisterBuiltins registers Builtins on r.
func RegisterBuiltins(r *Registry) error {
	for _, c := range Builtins() {
		if err := r.Register(c); err != nil {
			return fmt.Errorf("registering %s: %w", c.Name, err)
		}
	}
	return nil
}

func jsonDecoder(tag string, fn message.FunctionType, dir message.Direction) DecodeFunc {
	return func(topic string, vars Vars, data []byte) (message.DeviceMessage, error) {
		var env jsonEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return message.DeviceMessage{}, fmt.Errorf("parsing payload: %w", err)
		}

		msg := message.DeviceMessage{
			ID:                    env.ID,
			Topic:                 topic,
			ProductIdentification: firstNonEmpty(vars.Product(), env.Product),
			DeviceIdentification:  firstNonEmpty(vars.Device(), env.Device),
			FunctionType:          fn,
			Direction:             dir,
			Identifier:            firstNonEmpty(vars.Identifier(), env.Identifier),
			Type:                  tag,
			Payload:               env.Data,
		}
		if msg.Payload == nil {
			msg.Payload = map[string]any{}
		}
		if env.Timestamp > 0 {
			msg.Timestamp = time.UnixMilli(env.Timestamp).UTC()
		} else {
			msg.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
		}

		if err := msg.Validate(); err != nil {
			return message.DeviceMessage{}, err
		}
		return msg, nil
	}
}

func jsonEncoder(tag string, fn message.FunctionType) EncodeFunc {
	return func(msg message.DeviceMessage) ([]byte, error) {
		if msg.FunctionType != "" && msg.FunctionType != fn {
			return nil, fmt.Errorf("function type %s not carried by %s", msg.FunctionType, tag)
		}

		env := jsonEnvelope{
			ID:         msg.ID,
			Type:       tag,
			Product:    msg.ProductIdentification,
			Device:     msg.DeviceIdentification,
			Identifier: msg.Identifier,
			Data:       msg.Payload,
		}
		if !msg.Timestamp.IsZero() {
			env.Timestamp = msg.Timestamp.UnixMilli()
		}

		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload: %w", err)
		}
		return data, nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
