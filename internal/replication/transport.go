// Package replication fans completed events out to other regions and
// tracks per-(entity-type, source, target) cursors with catch-up,
// pause/resume and lag monitoring.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/weftlabs/weft/internal/types"
)

// Transport delivers one replication message to its target region. A
// nil return is an acknowledgement; any error is a rejection and is
// treated as transient.
type Transport interface {
	Send(ctx context.Context, msg types.ReplicationMessage) error
}

// SubjectPrefix is the NATS subject tree replication messages publish
// under; the target region is the final token.
const SubjectPrefix = "weft.replication."

// defaultAckTimeout bounds how long a publish waits for the remote
// region's acknowledgement.
const defaultAckTimeout = 5 * time.Second

// NATSTransport sends replication messages over NATS request/reply.
// The remote region subscribes on SubjectPrefix + region and replies to
// acknowledge.
type NATSTransport struct {
	conn       *nats.Conn
	ackTimeout time.Duration
}

// NATSOption configures a NATSTransport.
type NATSOption func(*NATSTransport)

// WithAckTimeout overrides the acknowledgement timeout.
func WithAckTimeout(d time.Duration) NATSOption {
	return func(t *NATSTransport) { t.ackTimeout = d }
}

// NewNATSTransport wraps an existing NATS connection.
func NewNATSTransport(conn *nats.Conn, opts ...NATSOption) *NATSTransport {
	t := &NATSTransport{conn: conn, ackTimeout: defaultAckTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subject returns the NATS subject for a target region.
func Subject(targetRegion string) string {
	return SubjectPrefix + targetRegion
}

// Send publishes the message and waits for the target region's reply.
func (t *NATSTransport) Send(ctx context.Context, msg types.ReplicationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal replication message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.ackTimeout)
	defer cancel()
	if _, err := t.conn.RequestWithContext(ctx, Subject(msg.TargetRegion), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.TargetRegion, err)
	}
	return nil
}

// InProcess delivers messages to handler functions registered per
// region, for single-process deployments and tests.
type InProcess struct {
	mu       sync.RWMutex
	handlers map[string]func(types.ReplicationMessage) error
}

// NewInProcess creates an in-process transport with no regions.
func NewInProcess() *InProcess {
	return &InProcess{handlers: map[string]func(types.ReplicationMessage) error{}}
}

// Handle registers the receiving function for a region.
func (t *InProcess) Handle(region string, fn func(types.ReplicationMessage) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[region] = fn
}

// Send invokes the target region's handler.
func (t *InProcess) Send(ctx context.Context, msg types.ReplicationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	fn := t.handlers[msg.TargetRegion]
	t.mu.RUnlock()
	if fn == nil {
		return fmt.Errorf("no handler for region %q", msg.TargetRegion)
	}
	return fn(msg)
}

// Capture records every message it is asked to send (tests). FailFirst
// rejects the first N sends; FailAt rejects the Nth send. Both let
// tests exercise the failure path before recovering.
type Capture struct {
	mu        sync.Mutex
	messages  []types.ReplicationMessage
	sends     int
	FailFirst int
	FailAt    int
	Err       error
}

// NewCapture creates an always-acknowledging capture transport.
func NewCapture() *Capture { return &Capture{} }

func (t *Capture) Send(ctx context.Context, msg types.ReplicationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends++
	if t.sends <= t.FailFirst || (t.FailAt > 0 && t.sends == t.FailAt) {
		if t.Err != nil {
			return t.Err
		}
		return fmt.Errorf("transport rejected send %d", t.sends)
	}
	t.messages = append(t.messages, msg)
	return nil
}

// Messages returns a copy of everything acknowledged so far.
func (t *Capture) Messages() []types.ReplicationMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.ReplicationMessage, len(t.messages))
	copy(out, t.messages)
	return out
}
