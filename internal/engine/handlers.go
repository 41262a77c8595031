package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/icex2/plaf203/internal/protocol"
	"github.com/icex2/plaf203/internal/storage"
	"github.com/icex2/plaf203/internal/topics"
	"github.com/icex2/plaf203/internal/transport"
)

// handleInbound decodes and dispatches one raw device message.
func (e *Engine) handleInbound(msg transport.Inbound) {
	serial, channel, direction, err := topics.Parse(msg.Topic)
	if err != nil {
		zap.S().Warnw("Message on unroutable topic", "topic", msg.Topic, "error", err)
		return
	}
	if serial != e.config.DeviceSerial || direction != topics.DirectionPost {
		zap.S().Debugw("Ignoring message for other device or direction", "topic", msg.Topic)
		return
	}

	var env *protocol.Envelope
	if channel.Lightweight() {
		env, err = protocol.DecodeLight(msg.Payload)
	} else {
		env, err = protocol.Decode(msg.Payload)
	}
	if err != nil {
		zap.S().Warnw("Dropping malformed message", "channel", channel, "error", err)
		return
	}

	// A message id matching an in-flight request completes it; everything
	// else is device-initiated.
	if env.MessageID != "" && e.table.Resolve(channel, env) {
		return
	}

	e.dispatch(channel, env)
}

// dispatch routes a device-initiated message by channel and command. The
// command table is closed: ids outside it are logged and dropped, never an
// error. Firmware updates grow the table; the controller must not fall
// over when they do.
func (e *Engine) dispatch(channel topics.Channel, env *protocol.Envelope) {
	if !env.Cmd.Known() {
		zap.S().Warnw("Dropping unknown command", "cmd", env.Cmd.String(), "channel", channel)
		return
	}

	switch channel {
	case topics.ChannelBroadcast:
		// Semantics unknown; observed only in factory provisioning. Never
		// acted on.
		zap.S().Infow("Dropping broadcast message", "cmd", env.Cmd.String())
		return
	case topics.ChannelSystem:
		e.handleSystem(env)
		return
	}

	switch env.Cmd {
	case protocol.CmdHeartbeat:
		e.handleHeartbeat(env)
	case protocol.CmdNtp:
		e.handleNtp(env)
	case protocol.CmdDeviceStartEvent:
		e.handleDeviceStart(env)
	case protocol.CmdErrorEvent:
		e.handleErrorEvent(env)
	case protocol.CmdAttrPushEvent:
		e.handleAttrPush(env)
	case protocol.CmdGrainOutputEvent:
		e.handleGrainOutput(env)
	case protocol.CmdGetFeedingPlanEvent:
		e.handleGetFeedingPlan(env)
	case protocol.CmdGetConfig:
		e.handleGetConfig(env)
	case protocol.CmdOtaInform, protocol.CmdOtaProgress:
		e.handleOta(env)
	case protocol.CmdDetectionEvent:
		// Motion/sound detections are acknowledged so the device does not
		// retry, but carry no state the controller tracks.
		e.ack(topics.ChannelEvent, env)
	default:
		zap.S().Warnw("No handler for command", "cmd", env.Cmd.String(), "channel", channel)
	}
}

// handleSystem deals with the system channel: binding and reset flows are
// provisioning territory, acknowledged (the device retries forever
// otherwise) but never acted on.
func (e *Engine) handleSystem(env *protocol.Envelope) {
	switch env.Cmd {
	case protocol.CmdReset:
		zap.S().Infow("Device announced reset")
		e.ack(topics.ChannelSystem, env)
	case protocol.CmdBinding, protocol.CmdUnbind:
		zap.S().Warnw("Ignoring binding-flow message", "cmd", env.Cmd.String())
	default:
		zap.S().Warnw("No handler for system command", "cmd", env.Cmd.String())
	}
}

func (e *Engine) handleHeartbeat(env *protocol.Envelope) {
	var hb protocol.Heartbeat
	if err := env.DecodePayload(&hb); err != nil {
		zap.S().Warnw("Dropping malformed heartbeat", "error", err)
		return
	}

	now := time.Now()
	rebooted := e.monitor.Beat(now, hb.Count)
	if rebooted {
		// The device restarted between two beats: everything it confirmed
		// is gone. Re-converge as if it had just come online.
		zap.S().Warnw("Heartbeat count regressed, device rebooted", "count", hb.Count)
		e.plans.ClearConfirmed()
		e.clock.Reset()
	}

	cameOnline := e.machine.HeartbeatReceived()
	e.db.TouchDeviceSeen(e.config.DeviceSerial, now)

	if e.snap != nil {
		e.snap.Set("heartbeat_count", hb.Count)
		e.snap.Set("rssi", hb.RSSI)
		e.snap.Set("last_heartbeat", now.UnixMilli())
	}
	e.publishState()

	if rebooted && !cameOnline {
		// Already Online, so no transition fires the sync sequence.
		e.onDeviceOnline()
	}
}

// handleNtp answers a device clock check. The response goes on the ntp
// channel; when the device drifted it adopts the response timestamp.
func (e *Engine) handleNtp(env *protocol.Envelope) {
	resp := e.clock.AnswerNtp(env.Timestamp, time.Now())
	e.reply(topics.ChannelNtp, protocol.CmdNtp, env.MessageID, resp)
}

func (e *Engine) handleDeviceStart(env *protocol.Envelope) {
	var start protocol.DeviceStartEvent
	if err := env.DecodePayload(&start); err != nil {
		zap.S().Warnw("Dropping malformed device start event", "error", err)
		return
	}

	zap.S().Infow("Device started",
		"success", start.Success,
		"software", start.SoftwareVersion,
		"hardware", start.HardwareVersion)

	if err := e.db.UpsertDeviceInfo(&storage.DeviceInfo{
		Serial:          e.config.DeviceSerial,
		Pid:             start.Pid,
		Mac:             start.Mac,
		UUID:            start.UUID,
		HardwareVersion: start.HardwareVersion,
		SoftwareVersion: start.SoftwareVersion,
		LastSeen:        time.Now(),
	}); err != nil {
		zap.S().Errorw("Failed to store device info", "error", err)
	}

	// A fresh boot invalidates everything the device had confirmed.
	e.plans.ClearConfirmed()
	e.clock.Reset()

	// The device blocks its startup until this is acknowledged.
	e.ack(topics.ChannelEvent, env)

	if e.snap != nil {
		e.snap.Set("software_version", start.SoftwareVersion)
		e.snap.Set("hardware_version", start.HardwareVersion)
	}
}

func (e *Engine) handleErrorEvent(env *protocol.Envelope) {
	var ev protocol.ErrorEvent
	if err := env.DecodePayload(&ev); err != nil {
		zap.S().Warnw("Dropping malformed error event", "error", err)
		return
	}

	zap.S().Warnw("Device reported error", "code", ev.ErrorCode)
	if _, err := e.db.InsertDeviceError(&storage.DeviceError{
		ErrorCode:   ev.ErrorCode,
		TriggerTime: time.UnixMilli(ev.TriggerTime),
	}); err != nil {
		zap.S().Errorw("Failed to store device error", "error", err)
	}

	e.ack(topics.ChannelEvent, env)
	if e.snap != nil {
		e.snap.Set("last_error", ev.ErrorCode)
	}
}

func (e *Engine) handleAttrPush(env *protocol.Envelope) {
	var push protocol.AttrPushEvent
	if err := env.DecodePayload(&push); err != nil {
		zap.S().Warnw("Dropping malformed attribute push", "error", err)
		return
	}

	if push.Code != nil && *push.Code == protocol.CodeDeviceNotBound {
		// The device lost its binding; it needs the vendor app's
		// provisioning flow, which this controller does not perform.
		zap.S().Errorw("Device reports it is not bound, manual re-provisioning required")
	}

	e.attrs.ApplyReport(&push.AttrValues)
	e.ack(topics.ChannelEvent, env)
	e.publishAttrs()

	// The push may confirm a previous set; anything still differing goes
	// out again.
	e.pushPendingAttrs()
}

func (e *Engine) handleGrainOutput(env *protocol.Envelope) {
	var ev protocol.GrainOutputEvent
	if err := env.DecodePayload(&ev); err != nil {
		zap.S().Warnw("Dropping malformed grain output event", "error", err)
		return
	}

	// Ack first, echoing the step: the device retries the event until it
	// hears back and blocks the feeding flow meanwhile.
	e.reply(topics.ChannelEvent, protocol.CmdGrainOutputEvent, env.MessageID, protocol.GrainOutputAck{
		Code:     protocol.CodeOK,
		ExecStep: ev.ExecStep,
	})

	inserted, err := e.db.InsertFeeding(&storage.FeedingRecord{
		MessageID:        env.MessageID,
		TriggerType:      ev.Type,
		ExecStep:         ev.ExecStep,
		ExpectedPortions: ev.ExpectedGrainNum,
		ActualPortions:   ev.ActualGrainNum,
		PlanID:           ev.PlanID,
		ExecTime:         time.UnixMilli(ev.ExecTime),
	})
	if err != nil {
		zap.S().Errorw("Failed to store feeding record", "error", err)
		return
	}
	if !inserted {
		zap.S().Debugw("Duplicate grain output event", "msgId", env.MessageID, "step", ev.ExecStep)
		return
	}

	switch ev.ExecStep {
	case protocol.ExecStepGrainBlocking:
		zap.S().Errorw("Feeder outlet blocked", "expected", ev.ExpectedGrainNum, "actual", ev.ActualGrainNum)
	case protocol.ExecStepGrainEnd:
		zap.S().Infow("Feeding finished", "expected", ev.ExpectedGrainNum, "actual", ev.ActualGrainNum)
	}

	if e.snap != nil {
		e.snap.Set("last_feeding_step", ev.ExecStep)
		if ev.ExecStep == protocol.ExecStepGrainEnd {
			e.snap.Set("last_feeding_portions", ev.ActualGrainNum)
			e.snap.Set("last_feeding_time", ev.ExecTime)
		}
	}
}

// handleGetFeedingPlan answers the device asking for its plan set, which
// it does after wiping its own copy, e.g. on factory reset.
func (e *Engine) handleGetFeedingPlan(env *protocol.Envelope) {
	plans := e.plans.WirePlans()
	zap.S().Infow("Device requested feeding plan", "plans", len(plans))
	e.reply(topics.ChannelEvent, protocol.CmdGetFeedingPlanEvent, env.MessageID, protocol.GetFeedingPlanResponse{
		Code:  protocol.CodeOK,
		Plans: plans,
	})
}

func (e *Engine) handleGetConfig(env *protocol.Envelope) {
	var cfg protocol.GetConfigEvent
	if err := env.DecodePayload(&cfg); err != nil {
		zap.S().Warnw("Dropping malformed config report", "error", err)
		return
	}

	if err := e.db.UpsertDeviceInfo(&storage.DeviceInfo{
		Serial:          e.config.DeviceSerial,
		Pid:             cfg.Pid,
		Mac:             cfg.Mac,
		HardwareVersion: cfg.HardwareVersion,
		SoftwareVersion: cfg.SoftwareVersion,
		LastSeen:        time.Now(),
	}); err != nil {
		zap.S().Errorw("Failed to store device info", "error", err)
	}
	if e.snap != nil {
		e.snap.Set("software_version", cfg.SoftwareVersion)
		e.snap.Set("hardware_version", cfg.HardwareVersion)
	}
}

// handleOta acknowledges OTA state reports. The update flow itself runs
// between device and vendor CDN; the controller only observes.
func (e *Engine) handleOta(env *protocol.Envelope) {
	switch env.Cmd {
	case protocol.CmdOtaInform:
		var inform protocol.OtaInform
		if err := env.DecodePayload(&inform); err == nil {
			zap.S().Infow("OTA state", "state", inform.State, "error", inform.ErrorMessage)
		}
	case protocol.CmdOtaProgress:
		var progress protocol.OtaProgress
		if err := env.DecodePayload(&progress); err == nil {
			zap.S().Infow("OTA progress", "progress", progress.Progress)
		}
	}
	e.ack(topics.ChannelOta, env)
}

func (e *Engine) publishAttrs() {
	if e.snap == nil {
		return
	}
	c := e.attrs.Confirmed()
	if c.ElectricQuantity != nil {
		e.snap.Set("battery_percent", *c.ElectricQuantity)
	}
	if c.SurplusGrain != nil {
		// surplusGrain reads inverted on the wire: true means the hopper
		// ran low.
		e.snap.Set("food_low", *c.SurplusGrain)
	}
	if c.GrainOutletState != nil {
		e.snap.Set("outlet_blocked", *c.GrainOutletState)
	}
	if c.PowerType != nil {
		e.snap.Set("power_type", *c.PowerType)
	}
	if c.Volume != nil {
		e.snap.Set("volume", *c.Volume)
	}
	if c.SdCardState != nil {
		e.snap.Set("sd_card_state", *c.SdCardState)
	}
	if c.WifiSsid != nil {
		e.snap.Set("wifi_ssid", *c.WifiSsid)
	}
}
