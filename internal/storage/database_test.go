package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/icex2/plaf203/internal/feedplan"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDeviceInfoUpsertMergesPartials(t *testing.T) {
	db := openTestDB(t)
	seen := time.Now().UTC().Truncate(time.Second)

	if err := db.UpsertDeviceInfo(&DeviceInfo{
		Serial:          "dev1",
		Pid:             "plaf203",
		SoftwareVersion: "3.0.14",
		LastSeen:        seen,
	}); err != nil {
		t.Fatalf("UpsertDeviceInfo failed: %v", err)
	}

	// A later partial report must not blank earlier fields.
	later := seen.Add(time.Minute)
	if err := db.UpsertDeviceInfo(&DeviceInfo{
		Serial:   "dev1",
		Mac:      "aa:bb:cc:dd:ee:ff",
		LastSeen: later,
	}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	d, err := db.GetDeviceInfo("dev1")
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if d.Pid != "plaf203" || d.SoftwareVersion != "3.0.14" {
		t.Errorf("earlier fields lost: %+v", d)
	}
	if d.Mac != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("mac: got %q", d.Mac)
	}
	if !d.LastSeen.Equal(later) {
		t.Errorf("last seen: got %v, want %v", d.LastSeen, later)
	}
}

func TestFeedPlanRoundTripAndConfirm(t *testing.T) {
	db := openTestDB(t)

	entries := []feedplan.Entry{
		{ID: 1, Hour: 7, Minute: 30, Weekdays: []int{1, 2, 3}, Portions: 2},
		{ID: 2, Hour: 18, Minute: 0, Weekdays: []int{6, 7}, Portions: 4, EnableAudio: true, AudioTimes: 3},
	}
	if err := db.ReplaceFeedPlans(entries, 1234); err != nil {
		t.Fatalf("ReplaceFeedPlans failed: %v", err)
	}

	got, syncTime, err := db.GetFeedPlans()
	if err != nil {
		t.Fatalf("GetFeedPlans failed: %v", err)
	}
	if syncTime != 1234 {
		t.Errorf("syncTime: got %d", syncTime)
	}
	if len(got) != 2 {
		t.Fatalf("got %d plans", len(got))
	}
	if got[0].ID != 1 || got[0].Hour != 7 || got[0].Minute != 30 || got[0].Portions != 2 {
		t.Errorf("plan 1: %+v", got[0])
	}
	if len(got[1].Weekdays) != 2 || got[1].Weekdays[0] != 6 || got[1].Weekdays[1] != 7 {
		t.Errorf("plan 2 weekdays: %v", got[1].Weekdays)
	}
	if !got[1].EnableAudio || got[1].AudioTimes != 3 {
		t.Errorf("plan 2 audio: %+v", got[1])
	}

	// New generations start unconfirmed.
	confirmed, err := db.GetConfirmedFeedPlans()
	if err != nil {
		t.Fatalf("GetConfirmedFeedPlans failed: %v", err)
	}
	if len(confirmed) != 0 {
		t.Errorf("fresh generation already confirmed: %v", confirmed)
	}

	if err := db.ConfirmFeedPlan(1, 5678); err != nil {
		t.Fatalf("ConfirmFeedPlan failed: %v", err)
	}
	confirmed, _ = db.GetConfirmedFeedPlans()
	if confirmed[1] != 5678 {
		t.Errorf("confirmed: %v", confirmed)
	}

	// Replacing the plan set drops old rows and confirmations.
	if err := db.ReplaceFeedPlans(entries[:1], 9999); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	got, _, _ = db.GetFeedPlans()
	if len(got) != 1 {
		t.Errorf("got %d plans after replace", len(got))
	}
	confirmed, _ = db.GetConfirmedFeedPlans()
	if len(confirmed) != 0 {
		t.Errorf("confirmations survived replace: %v", confirmed)
	}
}

func TestSwitchesAndSettings(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertSwitch("camera", true); err != nil {
		t.Fatalf("UpsertSwitch failed: %v", err)
	}
	if err := db.UpsertSwitch("camera", false); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if err := db.UpsertSwitch("light", true); err != nil {
		t.Fatalf("UpsertSwitch failed: %v", err)
	}

	switches, err := db.GetSwitches()
	if err != nil {
		t.Fatalf("GetSwitches failed: %v", err)
	}
	if len(switches) != 2 {
		t.Fatalf("got %d switches", len(switches))
	}
	if switches[0].Name != "camera" || switches[0].On {
		t.Errorf("camera: %+v", switches[0])
	}

	if _, ok, _ := db.GetSetting("audio_url"); ok {
		t.Error("unset key reported present")
	}
	db.SetSetting("audio_url", "http://nas.local/meal.mp3")
	v, ok, err := db.GetSetting("audio_url")
	if err != nil || !ok || v != "http://nas.local/meal.mp3" {
		t.Errorf("GetSetting: %q %v %v", v, ok, err)
	}
}

func TestFeedingLogDeduplicates(t *testing.T) {
	db := openTestDB(t)
	planID := 3
	rec := &FeedingRecord{
		MessageID:        "abc",
		TriggerType:      1,
		ExecStep:         "GRAIN_END",
		ExpectedPortions: 2,
		ActualPortions:   2,
		PlanID:           &planID,
		ExecTime:         time.Now().UTC(),
	}

	inserted, err := db.InsertFeeding(rec)
	if err != nil || !inserted {
		t.Fatalf("first insert: %v %v", inserted, err)
	}
	// Redelivered event: same message id and step.
	inserted, err = db.InsertFeeding(rec)
	if err != nil {
		t.Fatalf("second insert errored: %v", err)
	}
	if inserted {
		t.Error("duplicate was inserted")
	}
	// Same message id, different step is a new record.
	rec2 := *rec
	rec2.ExecStep = "GRAIN_START"
	if inserted, _ := db.InsertFeeding(&rec2); !inserted {
		t.Error("different exec step rejected")
	}

	records, err := db.GetRecentFeedings(10)
	if err != nil {
		t.Fatalf("GetRecentFeedings failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records, want 2", len(records))
	}
	if records[0].PlanID == nil || *records[0].PlanID != 3 {
		t.Errorf("plan id: %v", records[0].PlanID)
	}
}

func TestDeviceErrors(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.InsertDeviceError(&DeviceError{ErrorCode: "E100", TriggerTime: time.Now().UTC()}); err != nil {
		t.Fatalf("InsertDeviceError failed: %v", err)
	}
	errs, err := db.GetRecentDeviceErrors(5)
	if err != nil {
		t.Fatalf("GetRecentDeviceErrors failed: %v", err)
	}
	if len(errs) != 1 || errs[0].ErrorCode != "E100" {
		t.Errorf("errors: %+v", errs)
	}
}
