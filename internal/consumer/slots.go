package consumer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/slotbooking/internal/model"
)

// TopicSlotApply carries bulk slot-creation commands produced by the
// calendar template feature. Each entry becomes one CreateSlot call.
const TopicSlotApply = "booking.slots.apply.v1"

type SlotApplyCommand struct {
	Date  string      `json:"date"`
	Slots []SlotEntry `json:"slots"`
}

type SlotEntry struct {
	Time     string `json:"time"`
	EndTime  string `json:"end_time"`
	Capacity int    `json:"capacity"`
}

func DecodeSlotApply(data []byte) (SlotApplyCommand, error) {
	var cmd SlotApplyCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return SlotApplyCommand{}, fmt.Errorf("decode slot apply: %w", err)
	}
	if _, err := time.Parse(model.DateLayout, cmd.Date); err != nil {
		return SlotApplyCommand{}, fmt.Errorf("slot apply: invalid date %q", cmd.Date)
	}
	if len(cmd.Slots) == 0 {
		return SlotApplyCommand{}, fmt.Errorf("slot apply: no slots in payload")
	}
	return cmd, nil
}

// Materialize turns the command's wall-clock entries into slots in the
// business location. Entries that fail validation are returned as errors
// alongside the good slots; bulk apply is best-effort per entry.
func (c SlotApplyCommand) Materialize(loc *time.Location) ([]model.Slot, []error) {
	if loc == nil {
		loc = time.Local
	}
	day, err := time.ParseInLocation(model.DateLayout, c.Date, loc)
	if err != nil {
		return nil, []error{fmt.Errorf("slot apply: invalid date %q", c.Date)}
	}

	var slots []model.Slot
	var bad []error
	for _, entry := range c.Slots {
		start, err := clockOn(day, entry.Time, loc)
		if err != nil {
			bad = append(bad, fmt.Errorf("slot %s %s: invalid time", c.Date, entry.Time))
			continue
		}
		end, err := clockOn(day, entry.EndTime, loc)
		if err != nil {
			bad = append(bad, fmt.Errorf("slot %s %s: invalid end_time", c.Date, entry.Time))
			continue
		}
		if entry.Capacity < 0 {
			bad = append(bad, fmt.Errorf("slot %s %s: negative capacity", c.Date, entry.Time))
			continue
		}
		if err := model.ValidateWindow(start, end); err != nil {
			bad = append(bad, fmt.Errorf("slot %s %s: %w", c.Date, entry.Time, err))
			continue
		}
		slots = append(slots, model.Slot{
			Date:      c.Date,
			Time:      entry.Time,
			StartTime: start,
			EndTime:   end,
			Capacity:  entry.Capacity,
		})
	}
	return slots, bad
}

func clockOn(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(model.TimeLayout, clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}
