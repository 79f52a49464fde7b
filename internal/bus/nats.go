package bus

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSConn is the part of natsclient.Client the NATS bridge needs.
type NATSConn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// NATSBridge carries bus envelopes over NATS. Each bus group maps to a NATS
// queue group, so one member per group receives each message cluster-wide.
type NATSBridge struct {
	conn   NATSConn
	prefix string
}

// NewNATSBridge creates a bridge publishing under prefix (e.g. "devicebus").
func NewNATSBridge(conn NATSConn, prefix string) *NATSBridge {
	return &NATSBridge{conn: conn, prefix: prefix}
}

// Name implements Bridge.
func (b *NATSBridge) Name() string { return "nats" }

// Publish implements Bridge.
func (b *NATSBridge) Publish(ctx context.Context, topic string, data []byte) error {
	return b.conn.Publish(ctx, NATSSubject(b.prefix, topic), data)
}

// Subscribe implements Bridge.
func (b *NATSBridge) Subscribe(pattern, group string, deliver func(data []byte)) (BridgeSubscription, error) {
	sub, err := b.conn.QueueSubscribe(NATSSubject(b.prefix, pattern), natsQueueName(group), func(msg *nats.Msg) {
		deliver(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// NATSSubject maps a bus topic or pattern to a NATS subject.
//
// The leading "/" is dropped and each "/"-separated segment becomes one NATS
// token. Characters NATS treats specially inside a token ('.', '*', '>',
// whitespace) become '_', and any segment holding a placeholder becomes '*'.
// Distinct topics may map to the same subject, never the reverse.
//
//	"/iot/${pid}/${did}/properties/report" -> "devicebus.iot.*.*.properties.report"
//	"bus.gateway.gw-7.downstream"          -> "devicebus.bus_gateway_gw-7_downstream"
func NATSSubject(prefix, topic string) string {
	segs := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	tokens := make([]string, 0, len(segs)+1)
	if prefix != "" {
		tokens = append(tokens, prefix)
	}
	for _, seg := range segs {
		tokens = append(tokens, natsToken(seg))
	}
	return strings.Join(tokens, ".")
}

func natsToken(seg string) string {
	if strings.Contains(seg, "${") {
		return "*"
	}
	if seg == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, seg)
}

// natsQueueName keeps group names within NATS queue-name rules.
func natsQueueName(group string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, group)
}

var _ Bridge = (*NATSBridge)(nil)
