package protocol

import (
	"errors"
	"regexp"
	"testing"

	"github.com/goccy/go-json"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		cmd       Command
		messageID string
		timestamp int64
		payload   any
	}{
		{
			name:      "header only",
			cmd:       CmdGetConfig,
			messageID: "0123456789abcdef0123456789abcdef",
			timestamp: 1700000000000,
		},
		{
			name:      "manual feeding",
			cmd:       CmdManualFeedingService,
			messageID: "ffffffffffffffffffffffffffffffff",
			timestamp: 1700000000123,
			payload:   ManualFeedingRequest{GrainNum: 3},
		},
		{
			name:      "ntp response",
			cmd:       CmdNtp,
			messageID: "00000000000000000000000000000001",
			timestamp: 1699999999999,
			payload:   NtpResponse{Code: CodeOK, CalibrationTag: true, Timezone: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.cmd, tt.messageID, tt.timestamp, tt.payload)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			env, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if env.Cmd != tt.cmd {
				t.Errorf("cmd: got %v, want %v", env.Cmd, tt.cmd)
			}
			if env.MessageID != tt.messageID {
				t.Errorf("msgId: got %q, want %q", env.MessageID, tt.messageID)
			}
			if env.Timestamp != tt.timestamp {
				t.Errorf("ts: got %d, want %d", env.Timestamp, tt.timestamp)
			}
		})
	}
}

func TestEncodeFlattensPayload(t *testing.T) {
	data, err := Encode(CmdManualFeedingService, "aa", 1, ManualFeedingRequest{GrainNum: 5})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("output is not a JSON object: %v", err)
	}
	if _, nested := obj["payload"]; nested {
		t.Error("payload was nested instead of flattened")
	}
	if got, ok := obj["grainNum"].(float64); !ok || got != 5 {
		t.Errorf("grainNum: got %v, want 5 at top level", obj["grainNum"])
	}
	for _, key := range []string{"cmd", "msgId", "ts"} {
		if _, ok := obj[key]; !ok {
			t.Errorf("missing header field %q", key)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	payload := FeedingPlanRequest{Plans: []FeedingPlan{
		{PlanID: 1, ExecutionTime: "07:30", RepeatDay: []int{1, 2, 3, 4, 5, 0, 0}, GrainNum: 2, SyncTime: 123},
	}}

	first, err := Encode(CmdFeedingPlanService, "ab", 42, payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Encode(CmdFeedingPlanService, "ab", 42, payload)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("encoding not deterministic:\n%s\n%s", first, again)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{cmd:"},
		{"json array", `[1,2,3]`},
		{"missing cmd", `{"msgId":"aa","ts":1}`},
		{"missing msgId", `{"cmd":1,"ts":1}`},
		{"missing ts", `{"cmd":1,"msgId":"aa"}`},
		{"cmd wrong type", `{"cmd":"HEARTBEAT","msgId":"aa","ts":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("got %v, want ErrMalformedEnvelope", err)
			}
		})
	}
}

func TestDecodeUnknownCmdIsNotAnError(t *testing.T) {
	env, err := Decode([]byte(`{"cmd":9999,"msgId":"aa","ts":5}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Cmd.Known() {
		t.Error("cmd 9999 should not be known")
	}
	if got := env.Cmd.String(); got != "UNKNOWN(9999)" {
		t.Errorf("String: got %q", got)
	}
}

func TestDecodeLight(t *testing.T) {
	env, err := DecodeLight([]byte(`{"cmd":1,"ts":1700000000000,"count":7,"rssi":-61,"wifiType":1}`))
	if err != nil {
		t.Fatalf("DecodeLight failed: %v", err)
	}
	if env.Cmd != CmdHeartbeat {
		t.Errorf("cmd: got %v", env.Cmd)
	}
	if env.MessageID != "" {
		t.Errorf("msgId should be empty, got %q", env.MessageID)
	}

	var hb Heartbeat
	if err := env.DecodePayload(&hb); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if hb.Count != 7 || hb.RSSI != -61 || hb.WifiType != 1 {
		t.Errorf("unexpected heartbeat: %+v", hb)
	}

	if _, err := DecodeLight([]byte(`{"cmd":1}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("missing ts: got %v, want ErrMalformedEnvelope", err)
	}
}

func TestDecodePayloadSparseAttrs(t *testing.T) {
	data := []byte(`{"cmd":13,"msgId":"aa","ts":1,"electricQuantity":87,"surplusGrain":false,"audioUrl":"http://x/a.mp3"}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	var push AttrPushEvent
	if err := env.DecodePayload(&push); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if push.ElectricQuantity == nil || *push.ElectricQuantity != 87 {
		t.Errorf("electricQuantity: got %v", push.ElectricQuantity)
	}
	if push.SurplusGrain == nil || *push.SurplusGrain {
		t.Errorf("surplusGrain: got %v", push.SurplusGrain)
	}
	if push.AudioURL == nil || *push.AudioURL != "http://x/a.mp3" {
		t.Errorf("audioUrl: got %v", push.AudioURL)
	}
	if push.Volume != nil {
		t.Error("volume should be absent")
	}
	if push.Code != nil {
		t.Error("code should be absent")
	}
}

func TestNewMessageID(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMessageID()
		if !pattern.MatchString(id) {
			t.Fatalf("bad message id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate message id %q", id)
		}
		seen[id] = true
	}
}
