package consumer

import (
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotbooking/internal/model"
)

func TestDecodeSlotApply(t *testing.T) {
	cmd, err := DecodeSlotApply([]byte(`{
		"date": "2025-06-10",
		"slots": [
			{"time": "09:00", "end_time": "09:30", "capacity": 3},
			{"time": "09:30", "end_time": "10:00", "capacity": 2}
		]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Date != "2025-06-10" || len(cmd.Slots) != 2 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.Slots[0].Capacity != 3 {
		t.Fatalf("capacity not decoded: %+v", cmd.Slots[0])
	}
}

func TestDecodeSlotApply_Rejects(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"date": "2025-06-10", "slots": [`},
		{"bad date", `{"date": "06/10/2025", "slots": [{"time": "09:00", "end_time": "09:30", "capacity": 1}]}`},
		{"no slots", `{"date": "2025-06-10", "slots": []}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeSlotApply([]byte(tc.payload)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestMaterialize(t *testing.T) {
	loc := time.UTC
	cmd := SlotApplyCommand{
		Date: "2025-06-10",
		Slots: []SlotEntry{
			{Time: "09:00", EndTime: "09:30", Capacity: 3},
			{Time: "9 am", EndTime: "09:30", Capacity: 1},
			{Time: "10:00", EndTime: "10:00", Capacity: 1},
			{Time: "10:30", EndTime: "11:00", Capacity: -1},
			{Time: "11:00", EndTime: "11:30", Capacity: 0},
		},
	}

	slots, bad := cmd.Materialize(loc)
	if len(slots) != 2 {
		t.Fatalf("expected 2 good slots, got %d", len(slots))
	}
	if len(bad) != 3 {
		t.Fatalf("expected 3 rejected entries, got %d: %v", len(bad), bad)
	}

	first := slots[0]
	want := time.Date(2025, 6, 10, 9, 0, 0, 0, loc)
	if !first.StartTime.Equal(want) {
		t.Fatalf("start time %v, want %v", first.StartTime, want)
	}
	if first.Key() != (model.SlotKey{Date: "2025-06-10", Time: "09:00"}) {
		t.Fatalf("unexpected key %s", first.Key())
	}

	// Zero capacity is a valid closed slot.
	if slots[1].Capacity != 0 || slots[1].Time != "11:00" {
		t.Fatalf("expected the zero-capacity slot to survive, got %+v", slots[1])
	}

	for _, err := range bad {
		if !strings.Contains(err.Error(), "2025-06-10") {
			t.Fatalf("rejection should name the date: %v", err)
		}
	}
}

func TestMaterialize_BusinessTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+6", 6*60*60)
	cmd := SlotApplyCommand{
		Date:  "2025-06-10",
		Slots: []SlotEntry{{Time: "09:00", EndTime: "09:30", Capacity: 1}},
	}

	slots, bad := cmd.Materialize(loc)
	if len(bad) != 0 {
		t.Fatalf("unexpected rejections: %v", bad)
	}
	want := time.Date(2025, 6, 10, 9, 0, 0, 0, loc)
	if !slots[0].StartTime.Equal(want) {
		t.Fatalf("start time %v, want %v", slots[0].StartTime, want)
	}
}
