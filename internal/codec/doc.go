// Package codec selects and runs the byte⇄message conversion for a topic.
//
// Codecs are bound to topic patterns built from path segments and the
// placeholder tokens ${pid}, ${did} and ${identifier}. Each token matches
// exactly one path segment:
//
//	/iot/${pid}/${did}/properties/report   matches   /iot/prodX/dev1/properties/report
//	/iot/${pid}/${did}/config/push         does not
//
// Selection is a pure function of the topic string. Registering two active
// codecs whose patterns can both match one topic fails with
// message.ErrCodecAmbiguous, and the process is expected to refuse to start.
//
// Usage:
//
//	reg := codec.NewRegistry()
//	if err := codec.RegisterBuiltins(reg); err != nil {
//	    return err
//	}
//	reg.Seal()
//
//	msg, err := reg.Decode(topic, payload)
package codec
