package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/beeker1121/goque"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/icex2/plaf203/internal/attrs"
	"github.com/icex2/plaf203/internal/correlation"
	"github.com/icex2/plaf203/internal/feedplan"
	"github.com/icex2/plaf203/internal/protocol"
	"github.com/icex2/plaf203/internal/storage"
	"github.com/icex2/plaf203/internal/timesync"
	"github.com/icex2/plaf203/internal/topics"
)

// ErrEngineStopped is returned by API calls made after Stop.
var ErrEngineStopped = errors.New("engine stopped")

// ErrDeviceOffline rejects direct commands while the device cannot receive
// them. Only queueable requests survive being issued offline.
var ErrDeviceOffline = errors.New("device offline")

// reply publishes a response on the device's sub topic. messageID may be
// empty on the lightweight channels.
func (e *Engine) reply(channel topics.Channel, cmd protocol.Command, messageID string, payload any) {
	data, err := protocol.Encode(cmd, messageID, time.Now().UnixMilli(), payload)
	if err != nil {
		zap.S().Errorw("Failed to encode reply", "cmd", cmd.String(), "error", err)
		return
	}
	if err := e.transport.Publish(topics.TopicFor(e.config.DeviceSerial, channel, topics.DirectionSub), data); err != nil {
		zap.S().Warnw("Failed to publish reply", "cmd", cmd.String(), "error", err)
	}
}

// ack sends the plain ok result the device expects for most events.
func (e *Engine) ack(channel topics.Channel, env *protocol.Envelope) {
	e.reply(channel, env.Cmd, env.MessageID, protocol.Result{Code: protocol.CodeOK})
}

// sendRequest publishes a request and registers it for correlation. With
// retry set, a timeout re-sends once under a fresh message id; requests
// with side effects on the feeder must pass retry=false, a late first
// delivery would execute twice. A failed publish is left to the sweep so
// completion still happens exactly once.
func (e *Engine) sendRequest(channel topics.Channel, cmd protocol.Command, payload any, retry bool, cb correlation.Callback) {
	wrapped := func(env *protocol.Envelope, err error) {
		if errors.Is(err, correlation.ErrTimeout) && retry {
			zap.S().Warnw("Request timed out, retrying once", "cmd", cmd.String())
			e.sendRequest(channel, cmd, payload, false, cb)
			return
		}
		if cb != nil {
			cb(env, err)
		}
	}

	deadline := time.Now().Add(e.config.RequestTimeout)
	var data []byte
	for {
		messageID := e.newMessageID()
		var err error
		data, err = protocol.Encode(cmd, messageID, time.Now().UnixMilli(), payload)
		if err != nil {
			zap.S().Errorw("Failed to encode request", "cmd", cmd.String(), "error", err)
			if cb != nil {
				cb(nil, err)
			}
			return
		}
		if err := e.table.Register(channel, messageID, cmd, deadline, wrapped); err == nil {
			break
		}
		// Id collided with an in-flight request; roll a fresh one.
		zap.S().Debugw("Message id collision, regenerating", "cmd", cmd.String())
	}

	topic := topics.TopicFor(e.config.DeviceSerial, channel, topics.DirectionSub)
	if err := e.transport.Publish(topic, data); err != nil {
		zap.S().Warnw("Failed to publish request, awaiting timeout", "cmd", cmd.String(), "error", err)
	}
}

// queuedRequest is one request persisted while the device was offline.
type queuedRequest struct {
	Channel topics.Channel   `json:"channel"`
	Cmd     protocol.Command `json:"cmd"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// enqueue persists a request for delivery on the next online transition.
func (e *Engine) enqueue(channel topics.Channel, cmd protocol.Command, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to marshal queued request: %w", err)
		}
	}
	if _, err := e.queue.EnqueueObjectAsJSON(queuedRequest{Channel: channel, Cmd: cmd, Payload: raw}); err != nil {
		return fmt.Errorf("failed to enqueue request: %w", err)
	}
	zap.S().Infow("Device offline, request queued", "cmd", cmd.String())
	return nil
}

// flushQueue sends every queued request in FIFO order.
func (e *Engine) flushQueue() {
	for {
		item, err := e.queue.Dequeue()
		if errors.Is(err, goque.ErrEmpty) {
			return
		}
		if err != nil {
			zap.S().Errorw("Failed to read offline queue", "error", err)
			return
		}

		var q queuedRequest
		if err := item.ToObjectFromJSON(&q); err != nil {
			zap.S().Errorw("Dropping unreadable queued request", "error", err)
			continue
		}

		zap.S().Infow("Sending queued request", "cmd", q.Cmd.String())
		var payload any
		if len(q.Payload) > 0 {
			payload = q.Payload
		}
		cmd := q.Cmd
		e.sendRequest(q.Channel, cmd, payload, false, func(env *protocol.Envelope, err error) {
			if err != nil {
				zap.S().Warnw("Queued request failed", "cmd", cmd.String(), "error", err)
			}
		})
	}
}

// requestConfig asks the device for its identity and version report.
func (e *Engine) requestConfig() {
	e.sendRequest(topics.ChannelConfig, protocol.CmdGetConfig, nil, true, func(env *protocol.Envelope, err error) {
		if err != nil {
			zap.S().Warnw("Config request failed", "error", err)
			return
		}
		e.handleGetConfig(env)
	})
}

// requestDiagnostics pulls the full attribute set from the device.
func (e *Engine) requestDiagnostics() {
	e.sendRequest(topics.ChannelService, protocol.CmdAttrGetService, nil, true, func(env *protocol.Envelope, err error) {
		if err != nil {
			zap.S().Warnw("Diagnostics request failed", "error", err)
			return
		}
		var values protocol.AttrValues
		if err := env.DecodePayload(&values); err != nil {
			zap.S().Warnw("Dropping malformed diagnostics response", "error", err)
			return
		}
		e.attrs.ApplyReport(&values)
		e.publishAttrs()
	})
}

// pushFeedPlan sends the full desired plan set and records the device's
// echo as the confirmed state. Called on every online transition and after
// each plan change, so a lost echo converges on the next trigger.
func (e *Engine) pushFeedPlan() {
	if !e.machine.IsOnline() {
		return
	}

	plans := e.plans.WirePlans()
	e.sendRequest(topics.ChannelService, protocol.CmdFeedingPlanService, protocol.FeedingPlanRequest{Plans: plans}, true,
		func(env *protocol.Envelope, err error) {
			if err != nil {
				zap.S().Warnw("Feed plan push failed", "error", err)
				return
			}
			var echo protocol.FeedingPlanEcho
			if err := env.DecodePayload(&echo); err != nil {
				zap.S().Warnw("Dropping malformed feed plan echo", "error", err)
				return
			}
			if err := e.plans.ConfirmEcho(&echo); err != nil {
				zap.S().Errorw("Device rejected feed plan", "error", err)
				return
			}
			for _, p := range echo.Plans {
				if err := e.db.ConfirmFeedPlan(p.PlanID, p.SyncTime); err != nil {
					zap.S().Errorw("Failed to persist plan confirmation", "planId", p.PlanID, "error", err)
				}
			}
			if e.snap != nil {
				e.snap.Set("plan_in_sync", e.plans.InSync())
			}
		})
}

// pushPendingAttrs sends the attribute changes the device has not
// confirmed yet. The response carries the values as applied, which may be
// coerced; the device's word is final.
func (e *Engine) pushPendingAttrs() {
	if !e.machine.IsOnline() {
		return
	}

	req, dirty := e.attrs.PendingSet()
	if !dirty {
		return
	}
	e.sendRequest(topics.ChannelService, protocol.CmdAttrSetService, req, true, func(env *protocol.Envelope, err error) {
		if err != nil {
			zap.S().Warnw("Attribute set failed", "error", err)
			return
		}
		var applied protocol.AttrPushEvent
		if err := env.DecodePayload(&applied); err != nil {
			zap.S().Warnw("Dropping malformed attribute set response", "error", err)
			return
		}
		e.attrs.ApplyReport(&applied.AttrValues)
		e.publishAttrs()
	})
}

// startTimeSync runs one forced calibration exchange. The offset is
// measured against the midpoint of the round trip.
func (e *Engine) startTimeSync(now time.Time) {
	e.syncPending = true
	e.syncSendAt = now.UnixMilli()

	e.sendRequest(topics.ChannelNtp, protocol.CmdNtpSync, e.clock.SyncRequest(), false,
		func(env *protocol.Envelope, err error) {
			e.syncPending = false
			if err != nil {
				e.clock.RecordFailure(time.Now())
				// Feed plans run on the device clock; collaborators get told
				// its accuracy is no longer vouched for.
				if e.snap != nil {
					e.snap.Set("time_sync_ok", false)
				}
				return
			}
			offset := timesync.ComputeOffset(env.Timestamp, e.syncSendAt, time.Now().UnixMilli())
			e.clock.RecordExchange(offset, time.Now())
			if e.snap != nil {
				e.snap.Set("time_sync_ok", true)
				e.snap.Set("clock_offset_ms", offset.Milliseconds())
			}
		})
}

// API methods below run their protocol work on the run loop via submit so
// they never race with inbound handling.

// submitWait runs fn on the run loop and returns its error.
func (e *Engine) submitWait(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case e.apiChan <- func() { errc <- fn() }:
		return <-errc
	case <-e.stopChan:
		return ErrEngineStopped
	}
}

// SetFeedPlan validates, persists and pushes a new plan set. Offline the
// plan is stored and pushed on the next online transition.
func (e *Engine) SetFeedPlan(entries []feedplan.Entry) error {
	if err := feedplan.Validate(entries); err != nil {
		return err
	}
	return e.submitWait(func() error {
		now := time.Now()
		if err := e.db.ReplaceFeedPlans(entries, now.UnixMilli()); err != nil {
			return err
		}
		if err := e.plans.Set(entries, now); err != nil {
			return err
		}
		e.pushFeedPlan()
		return nil
	})
}

// FeedPlan returns the current desired plan set.
func (e *Engine) FeedPlan() []feedplan.Entry {
	return e.plans.Desired()
}

// ManualFeed dispenses portions immediately, or queues the request while
// the device is offline. Never retried: a redelivered feed doubles the
// meal.
func (e *Engine) ManualFeed(portions int) error {
	if portions < feedplan.MinPortions || portions > feedplan.MaxPortions {
		return fmt.Errorf("portions %d outside %d..%d", portions, feedplan.MinPortions, feedplan.MaxPortions)
	}
	return e.submitWait(func() error {
		req := protocol.ManualFeedingRequest{GrainNum: portions}
		if !e.machine.IsOnline() {
			return e.enqueue(topics.ChannelService, protocol.CmdManualFeedingService, req)
		}
		e.sendRequest(topics.ChannelService, protocol.CmdManualFeedingService, req, false,
			func(env *protocol.Envelope, err error) {
				if err != nil {
					zap.S().Warnw("Manual feeding unconfirmed", "error", err)
				}
			})
		return nil
	})
}

// SetSwitch changes a feature switch. The desired position is persisted
// and re-asserted until the device confirms it.
func (e *Engine) SetSwitch(sw attrs.Switch, on bool) error {
	return e.submitWait(func() error {
		if err := e.attrs.SetSwitch(sw, on); err != nil {
			return err
		}
		if err := e.db.UpsertSwitch(string(sw), on); err != nil {
			return err
		}
		e.pushPendingAttrs()
		return nil
	})
}

// SetAudio changes the mealtime audio settings. The URL is validated here
// even when disabling: the pair always travels whole and a bad URL crashes
// the feeder.
func (e *Engine) SetAudio(enabled bool, url string) error {
	return e.submitWait(func() error {
		if err := e.attrs.SetAudio(enabled, url); err != nil {
			return err
		}
		if err := e.db.SetSetting("audio_url", url); err != nil {
			return err
		}
		v := "0"
		if enabled {
			v = "1"
		}
		if err := e.db.SetSetting("audio_enabled", v); err != nil {
			return err
		}
		e.pushPendingAttrs()
		return nil
	})
}

// SetVolume changes the playback volume (1..100).
func (e *Engine) SetVolume(volume int) error {
	return e.submitWait(func() error {
		if err := e.attrs.SetVolume(volume); err != nil {
			return err
		}
		if err := e.db.SetSetting("volume", fmt.Sprintf("%d", volume)); err != nil {
			return err
		}
		e.pushPendingAttrs()
		return nil
	})
}

// RequestDiagnostics triggers an attribute refresh outside the periodic
// sync sequence.
func (e *Engine) RequestDiagnostics() error {
	return e.submitWait(func() error {
		if !e.machine.IsOnline() {
			return ErrDeviceOffline
		}
		e.requestDiagnostics()
		return nil
	})
}

// Reboot restarts the device. Rejected while offline: a queued reboot
// arriving hours later surprises nobody pleasantly.
func (e *Engine) Reboot() error {
	return e.oneShot(topics.ChannelSystem, protocol.CmdDeviceReboot)
}

// FactoryRestore wipes the device back to factory state. It will need the
// vendor provisioning flow afterwards.
func (e *Engine) FactoryRestore() error {
	return e.oneShot(topics.ChannelSystem, protocol.CmdRestore)
}

// WifiReconnect makes the device drop and re-join its wifi network.
func (e *Engine) WifiReconnect() error {
	return e.oneShot(topics.ChannelService, protocol.CmdWifiReconnectService)
}

// FormatSDCard erases and re-initializes the SD card.
func (e *Engine) FormatSDCard() error {
	return e.oneShot(topics.ChannelService, protocol.CmdInitializeSdCardService)
}

// oneShot sends a payload-less destructive command: online only, never
// retried.
func (e *Engine) oneShot(channel topics.Channel, cmd protocol.Command) error {
	return e.submitWait(func() error {
		if !e.machine.IsOnline() {
			return ErrDeviceOffline
		}
		e.sendRequest(channel, cmd, nil, false, func(env *protocol.Envelope, err error) {
			if err != nil {
				zap.S().Warnw("Command unconfirmed", "cmd", cmd.String(), "error", err)
			}
		})
		return nil
	})
}

// DeviceInfo returns the stored identity of the device.
func (e *Engine) DeviceInfo() (*storage.DeviceInfo, error) {
	return e.db.GetDeviceInfo(e.config.DeviceSerial)
}

// RecentFeedings returns the newest feeding log records.
func (e *Engine) RecentFeedings(limit int) ([]*storage.FeedingRecord, error) {
	return e.db.GetRecentFeedings(limit)
}

// RecentErrors returns the newest device error records.
func (e *Engine) RecentErrors(limit int) ([]*storage.DeviceError, error) {
	return e.db.GetRecentDeviceErrors(limit)
}
