// Package correlation tracks in-flight requests awaiting a device response,
// keyed by channel and message id.
package correlation

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/icex2/plaf203/internal/protocol"
	"github.com/icex2/plaf203/internal/topics"
)

var (
	// ErrDuplicateMessageID is returned when a message id is registered
	// twice on the same channel. The first registration stays valid.
	ErrDuplicateMessageID = errors.New("duplicate message id")

	// ErrTimeout completes a request whose deadline passed without a
	// response.
	ErrTimeout = errors.New("request timed out")

	// ErrAborted completes requests cancelled because the session ended.
	ErrAborted = errors.New("request aborted")
)

// Callback is invoked exactly once per registered request: with the
// response envelope on success, or with a nil envelope and ErrTimeout or
// ErrAborted otherwise.
type Callback func(*protocol.Envelope, error)

type key struct {
	channel   topics.Channel
	messageID string
}

type pending struct {
	cmd      protocol.Command
	deadline time.Time
	callback Callback
}

// Table is a concurrency-safe pending-request table. Completion is
// exclusive: whichever of Resolve, Sweep or CancelAll removes an entry first
// runs its callback; the entry is gone for everyone else.
type Table struct {
	mu      sync.Mutex
	entries map[key]pending
}

func NewTable() *Table {
	return &Table{entries: make(map[key]pending)}
}

// Register adds a request awaiting a response on the given channel. cmd is
// kept for logging only.
func (t *Table) Register(channel topics.Channel, messageID string, cmd protocol.Command, deadline time.Time, cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{channel, messageID}
	if _, exists := t.entries[k]; exists {
		return ErrDuplicateMessageID
	}
	t.entries[k] = pending{cmd: cmd, deadline: deadline, callback: cb}
	return nil
}

// Resolve completes the request matching the envelope's message id on the
// given channel. It reports whether a pending request was found; an inbound
// message that matches nothing is the caller's problem (late response,
// device-initiated message).
func (t *Table) Resolve(channel topics.Channel, env *protocol.Envelope) bool {
	t.mu.Lock()
	k := key{channel, env.MessageID}
	p, ok := t.entries[k]
	if ok {
		delete(t.entries, k)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.callback(env, nil)
	return true
}

// Sweep times out every request whose deadline is at or before now.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()
	var expired []pending
	for k, p := range t.entries {
		if !p.deadline.After(now) {
			expired = append(expired, p)
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		zap.S().Debugw("Request timed out", "cmd", p.cmd.String())
		p.callback(nil, ErrTimeout)
	}
}

// CancelAll completes every pending request with ErrAborted.
func (t *Table) CancelAll() {
	t.mu.Lock()
	cancelled := make([]pending, 0, len(t.entries))
	for k, p := range t.entries {
		cancelled = append(cancelled, p)
		delete(t.entries, k)
	}
	t.mu.Unlock()

	for _, p := range cancelled {
		p.callback(nil, ErrAborted)
	}
}

// Len returns the number of in-flight requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
