package correlation

import (
	"errors"
	"testing"
	"time"

	"github.com/icex2/plaf203/internal/protocol"
	"github.com/icex2/plaf203/internal/topics"
)

func TestResolveCompletesOnce(t *testing.T) {
	table := NewTable()
	deadline := time.Now().Add(time.Minute)

	var calls int
	var gotEnv *protocol.Envelope
	err := table.Register(topics.ChannelService, "msg1", protocol.CmdManualFeedingService, deadline,
		func(env *protocol.Envelope, err error) {
			calls++
			gotEnv = env
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	env := &protocol.Envelope{Cmd: protocol.CmdManualFeedingService, MessageID: "msg1"}
	if !table.Resolve(topics.ChannelService, env) {
		t.Fatal("Resolve should find the request")
	}
	if calls != 1 || gotEnv != env {
		t.Errorf("callback calls = %d, env = %v", calls, gotEnv)
	}

	// Entry must be gone: resolving again, sweeping and cancelling must
	// not run the callback a second time.
	if table.Resolve(topics.ChannelService, env) {
		t.Error("second Resolve should find nothing")
	}
	table.Sweep(deadline.Add(time.Hour))
	table.CancelAll()
	if calls != 1 {
		t.Errorf("callback ran %d times, want exactly once", calls)
	}
}

func TestDuplicateMessageID(t *testing.T) {
	table := NewTable()
	deadline := time.Now().Add(time.Minute)

	var firstCalls int
	if err := table.Register(topics.ChannelService, "dup", protocol.CmdAttrGetService, deadline,
		func(*protocol.Envelope, error) { firstCalls++ }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := table.Register(topics.ChannelService, "dup", protocol.CmdAttrSetService, deadline,
		func(*protocol.Envelope, error) { t.Error("second registration must never complete") })
	if !errors.Is(err, ErrDuplicateMessageID) {
		t.Fatalf("got %v, want ErrDuplicateMessageID", err)
	}

	// The first registration stays valid.
	if !table.Resolve(topics.ChannelService, &protocol.Envelope{MessageID: "dup"}) {
		t.Error("first registration should still resolve")
	}
	if firstCalls != 1 {
		t.Errorf("first callback ran %d times", firstCalls)
	}
}

func TestSameMessageIDDifferentChannels(t *testing.T) {
	table := NewTable()
	deadline := time.Now().Add(time.Minute)

	for _, ch := range []topics.Channel{topics.ChannelService, topics.ChannelSystem} {
		if err := table.Register(ch, "shared", protocol.CmdDeviceReboot, deadline, func(*protocol.Envelope, error) {}); err != nil {
			t.Fatalf("Register on %s failed: %v", ch, err)
		}
	}
	if table.Len() != 2 {
		t.Errorf("Len = %d, want 2", table.Len())
	}
}

func TestSweepTimesOutExpired(t *testing.T) {
	table := NewTable()
	now := time.Now()

	var timedOut, alive int
	table.Register(topics.ChannelService, "old", protocol.CmdAttrGetService, now.Add(-time.Second),
		func(env *protocol.Envelope, err error) {
			timedOut++
			if !errors.Is(err, ErrTimeout) {
				t.Errorf("got %v, want ErrTimeout", err)
			}
			if env != nil {
				t.Error("timed out request must carry a nil envelope")
			}
		})
	table.Register(topics.ChannelService, "fresh", protocol.CmdAttrGetService, now.Add(time.Minute),
		func(*protocol.Envelope, error) { alive++ })

	table.Sweep(now)
	if timedOut != 1 {
		t.Errorf("timed out %d requests, want 1", timedOut)
	}
	if alive != 0 {
		t.Error("unexpired request was completed")
	}

	// Sweeping again must not re-deliver the timeout.
	table.Sweep(now)
	if timedOut != 1 {
		t.Errorf("timeout delivered %d times, want exactly once", timedOut)
	}
	if table.Len() != 1 {
		t.Errorf("Len = %d, want 1", table.Len())
	}
}

func TestCancelAll(t *testing.T) {
	table := NewTable()
	deadline := time.Now().Add(time.Minute)

	var aborted int
	for _, id := range []string{"a", "b", "c"} {
		table.Register(topics.ChannelService, id, protocol.CmdAttrGetService, deadline,
			func(env *protocol.Envelope, err error) {
				if !errors.Is(err, ErrAborted) {
					t.Errorf("got %v, want ErrAborted", err)
				}
				aborted++
			})
	}

	table.CancelAll()
	if aborted != 3 {
		t.Errorf("aborted %d requests, want 3", aborted)
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d after CancelAll", table.Len())
	}
}
