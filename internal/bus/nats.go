// Package bus mirrors image events onto a message bus for downstream
// consumers. Publishing is best effort; the record store is the source of
// truth.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

// Publisher is the part of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type NATSNotifier struct {
	nc      *nats.Conn
	pub     Publisher
	subject string
}

func ConnectNATS(url, subject string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSNotifier{nc: nc, pub: nc, subject: subject}, nil
}

// NewNATSNotifier publishes through pub. Close is a no-op for notifiers
// built this way.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{pub: pub, subject: subject}
}

// Subject returns the per-event subject: base.<type>.
func (n *NATSNotifier) Subject(ev schema.ImageEvent) string {
	return n.subject + "." + string(ev.Type)
}

func (n *NATSNotifier) Notify(_ context.Context, ev schema.ImageEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.pub.Publish(n.Subject(ev), b)
}

// Close drains pending publishes.
func (n *NATSNotifier) Close() error {
	if n.nc != nil {
		return n.nc.Drain()
	}
	return nil
}
