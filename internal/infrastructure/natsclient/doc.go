// Package natsclient provides the NATS connection used when the device
// message bus is backed by NATS.
//
// Queue subscriptions give the bus its point-to-point-within-group
// semantics across processes: every subscriber in one queue group shares
// the stream, and each message reaches exactly one of them.
//
// # Usage
//
//	client, err := natsclient.Connect(ctx, cfg.NATS)
//	if err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
package natsclient
