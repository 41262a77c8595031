// Package engine is the core of the feeder controller: it dispatches
// device messages, drives the life-cycle state machine and owns every
// outbound request.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/beeker1121/goque"
	"go.uber.org/zap"

	"github.com/icex2/plaf203/internal/attrs"
	"github.com/icex2/plaf203/internal/correlation"
	"github.com/icex2/plaf203/internal/feedplan"
	"github.com/icex2/plaf203/internal/lifecycle"
	"github.com/icex2/plaf203/internal/protocol"
	"github.com/icex2/plaf203/internal/snapshot"
	"github.com/icex2/plaf203/internal/storage"
	"github.com/icex2/plaf203/internal/timesync"
	"github.com/icex2/plaf203/internal/transport"
)

// Transport is the broker session the engine talks through. Implemented by
// transport.Manager; tests substitute a mock.
type Transport interface {
	Start()
	Stop()
	Publish(topic string, payload []byte) error
	Inbound() <-chan transport.Inbound
	Events() <-chan transport.Event
	NoteStable()
	Reconnect()
}

// Config holds engine configuration
type Config struct {
	DeviceSerial string
	DatabasePath string
	QueueDir     string

	RequestTimeout  time.Duration
	HeartbeatPeriod time.Duration // watchdog window, beat interval + grace
	StableAfter     time.Duration // online time before backoff reset
	TickInterval    time.Duration

	DriftThreshold time.Duration
	SyncInterval   time.Duration
	TimezoneOffset int
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		DatabasePath:    "/var/lib/plaf203/feeder.db",
		QueueDir:        "/var/lib/plaf203/queue",
		RequestTimeout:  10 * time.Second,
		HeartbeatPeriod: lifecycle.DefaultHeartbeatInterval + lifecycle.DefaultHeartbeatGrace,
		StableAfter:     2 * time.Minute,
		TickInterval:    1 * time.Second,
		DriftThreshold:  timesync.DefaultDriftThreshold,
		SyncInterval:    timesync.DefaultSyncInterval,
	}
}

// Engine routes messages between the feeder and the controller's state.
// All protocol state is owned by the run loop goroutine; the public API
// hands work to it through submitWait().
type Engine struct {
	config    Config
	transport Transport
	db        *storage.DB
	queue     *goque.Queue

	table   *correlation.Table
	machine *lifecycle.Machine
	monitor *lifecycle.Monitor
	clock   *timesync.Synchronizer
	plans   *feedplan.Manager
	attrs   *attrs.Store
	snap    *snapshot.Publisher

	apiChan  chan func()
	stopChan chan struct{}
	wg       sync.WaitGroup

	// Swappable for deterministic ids in tests.
	newMessageID func() string

	// Run-loop locals
	stableAt    time.Time
	syncSendAt  int64
	syncPending bool
}

// New creates an engine. The transport is injected so the engine never
// cares whether it talks to a real broker.
func New(config Config, tr Transport, snap *snapshot.Publisher) (*Engine, error) {
	db, err := storage.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	queue, err := goque.OpenQueue(config.QueueDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open offline queue: %w", err)
	}

	e := &Engine{
		config:       config,
		transport:    tr,
		db:           db,
		queue:        queue,
		table:        correlation.NewTable(),
		monitor:      lifecycle.NewMonitor(config.HeartbeatPeriod),
		clock:        timesync.New(config.DriftThreshold, config.SyncInterval, config.TimezoneOffset),
		plans:        feedplan.NewManager(time.Local),
		attrs:        attrs.NewStore(),
		snap:         snap,
		apiChan:      make(chan func(), 32),
		stopChan:     make(chan struct{}),
		newMessageID: protocol.NewMessageID,
	}
	e.machine = lifecycle.NewMachine(e.onTransition)

	if err := e.restoreDesiredState(); err != nil {
		queue.Close()
		db.Close()
		return nil, err
	}
	return e, nil
}

// restoreDesiredState reloads persisted desired state so a controller
// restart re-converges the device without operator input.
func (e *Engine) restoreDesiredState() error {
	entries, syncTime, err := e.db.GetFeedPlans()
	if err != nil {
		return fmt.Errorf("failed to load feed plans: %w", err)
	}
	if len(entries) > 0 {
		if err := e.plans.Set(entries, time.UnixMilli(syncTime)); err != nil {
			zap.S().Warnw("Persisted feed plan no longer valid, dropping", "error", err)
		}
	}

	switches, err := e.db.GetSwitches()
	if err != nil {
		return fmt.Errorf("failed to load switches: %w", err)
	}
	for _, s := range switches {
		if err := e.attrs.SetSwitch(attrs.Switch(s.Name), s.On); err != nil {
			zap.S().Warnw("Dropping persisted switch", "name", s.Name, "error", err)
		}
	}

	if url, ok, err := e.db.GetSetting("audio_url"); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	} else if ok {
		enabled, _, _ := e.db.GetSetting("audio_enabled")
		if err := e.attrs.SetAudio(enabled == "1", url); err != nil {
			zap.S().Warnw("Dropping persisted audio settings", "error", err)
		}
	}
	return nil
}

// Start launches the transport and the run loop.
func (e *Engine) Start() error {
	e.machine.ConnectStarted()
	e.transport.Start()

	e.wg.Add(1)
	go e.runLoop()

	zap.S().Infow("Engine started", "device", e.config.DeviceSerial)
	return nil
}

// Stop shuts the engine down.
func (e *Engine) Stop() error {
	close(e.stopChan)
	e.wg.Wait()

	e.transport.Stop()
	e.table.CancelAll()
	e.machine.Stopped()

	if err := e.queue.Close(); err != nil {
		zap.S().Errorw("Error closing offline queue", "error", err)
	}
	if err := e.db.Close(); err != nil {
		zap.S().Errorw("Error closing database", "error", err)
	}

	zap.S().Info("Engine stopped")
	return nil
}

// State returns the current life-cycle state. Engine state is owned by the
// run loop, so the value may be momentarily stale for outside readers.
func (e *Engine) State() lifecycle.State {
	return e.machine.State()
}

// IsOnline reports whether the device currently accepts direct requests.
func (e *Engine) IsOnline() bool {
	return e.machine.IsOnline()
}

// runLoop is the single goroutine owning all protocol state.
func (e *Engine) runLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return

		case msg := <-e.transport.Inbound():
			e.handleInbound(msg)

		case ev := <-e.transport.Events():
			e.handleTransportEvent(ev)

		case fn := <-e.apiChan:
			fn()

		case <-ticker.C:
			e.Tick(time.Now())
		}
	}
}

// Tick runs the periodic work: watchdog, request expiry, time sync and
// backoff stabilization. Exported so a test (or an external scheduler)
// can drive the engine without real time passing.
func (e *Engine) Tick(now time.Time) {
	e.table.Sweep(now)

	if e.monitor.Expired(now) {
		zap.S().Warnw("Heartbeat watchdog expired", "deadline", e.monitor.Deadline())
		e.monitor.Arm(now) // re-arm so Degraded is re-checked next window
		e.machine.HeartbeatMissed()
		if e.machine.State() == lifecycle.Reconnecting {
			// The session looks up but the device went silent for two full
			// windows. Cycle the transport; its backoff loop drives the
			// reconnect and re-arms the watchdog on the next session.
			e.monitor.Disarm()
			e.transport.Reconnect()
		}
		e.publishState()
	}

	if e.machine.IsOnline() {
		if !e.stableAt.IsZero() && now.After(e.stableAt) {
			e.transport.NoteStable()
			e.stableAt = time.Time{}
		}
		if !e.syncPending && e.clock.Due(now) {
			e.startTimeSync(now)
		}
	}
}

// handleTransportEvent feeds session changes into the state machine.
func (e *Engine) handleTransportEvent(ev transport.Event) {
	switch ev {
	case transport.EventConnected:
		e.machine.SessionEstablished()
		e.monitor.Arm(time.Now())
	case transport.EventConnectionLost:
		e.machine.ConnectionLost()
		e.monitor.Disarm()
	}
	e.publishState()
}

// onTransition reacts to life-cycle changes. Runs on the run loop.
func (e *Engine) onTransition(from, to lifecycle.State) {
	if from == lifecycle.Online {
		// Nothing in flight can complete while the device is away.
		e.table.CancelAll()
		e.syncPending = false
		e.stableAt = time.Time{}
	}
	if to == lifecycle.Online {
		e.stableAt = time.Now().Add(e.config.StableAfter)
		e.onDeviceOnline()
	}
}

// onDeviceOnline runs the sync sequence after the device proves liveness:
// flush queued requests, refresh identity and attributes, re-assert the
// desired feed plan and audio/switch settings.
func (e *Engine) onDeviceOnline() {
	e.flushQueue()
	e.requestConfig()
	e.requestDiagnostics()
	e.pushFeedPlan()
	e.pushPendingAttrs()
}

func (e *Engine) publishState() {
	if e.snap != nil {
		e.snap.Set("state", e.machine.State().String())
	}
}
