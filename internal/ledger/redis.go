// Package ledger implements the ephemeral slot-capacity store on Redis.
//
// Each slot is a hash at "slot:<date>:<time>" with a bounded retention TTL.
// Capacity mutations go through server-side Lua scripts so that a reserve is
// a single decrement-if-positive round trip and can never race another
// caller into negative capacity.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/slotbooking/internal/model"
)

const keyPrefix = "slot:"

// DefaultRetention is how long slot records are kept before the store
// evicts them. Expiry is equivalent to "not found"; nothing recreates an
// expired slot.
const DefaultRetention = 14 * 24 * time.Hour

const scanBatch = 100

var reserveScript = redis.NewScript(`
local cap = redis.call("HGET", KEYS[1], "capacity")
if not cap then
  return -2
end
if tonumber(cap) <= 0 then
  return -1
end
return redis.call("HINCRBY", KEYS[1], "capacity", -1)
`)

var releaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -2
end
return redis.call("HINCRBY", KEYS[1], "capacity", 1)
`)

type RedisLedger struct {
	rdb       *redis.Client
	retention time.Duration
}

func New(rdb *redis.Client, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisLedger{rdb: rdb, retention: retention}
}

func slotKey(k model.SlotKey) string {
	return keyPrefix + k.Date + ":" + k.Time
}

// CreateSlot writes a new slot record. It rejects any slot whose window
// intersects an existing slot on the same date (half-open intervals), which
// also covers duplicate (date, time) keys.
func (l *RedisLedger) CreateSlot(ctx context.Context, slot model.Slot) error {
	if err := model.ValidateWindow(slot.StartTime, slot.EndTime); err != nil {
		return err
	}
	if slot.Capacity < 0 {
		return &model.ValidationError{Field: "capacity", Reason: "must not be negative"}
	}
	if slot.Date == "" || slot.Time == "" {
		key := model.SlotKeyFor(slot.StartTime)
		slot.Date = key.Date
		slot.Time = key.Time
	}

	existing, err := l.ListSlotsForDate(ctx, slot.Date)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if slot.Overlaps(other) {
			return &model.OverlapError{Conflicting: other}
		}
	}

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, slotKey(slot.Key()), slotFields(slot))
	pipe.PExpire(ctx, slotKey(slot.Key()), l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr(err)
	}
	return nil
}

func (l *RedisLedger) GetSlot(ctx context.Context, key model.SlotKey) (model.Slot, error) {
	fields, err := l.rdb.HGetAll(ctx, slotKey(key)).Result()
	if err != nil {
		return model.Slot{}, storageErr(err)
	}
	if len(fields) == 0 {
		return model.Slot{}, model.ErrSlotNotFound
	}
	return parseSlot(fields)
}

// UpdateSlot overwrites the full record without re-validating overlap.
// The remaining TTL is preserved so retention stays anchored to creation.
func (l *RedisLedger) UpdateSlot(ctx context.Context, slot model.Slot) error {
	if slot.Date == "" || slot.Time == "" {
		key := model.SlotKeyFor(slot.StartTime)
		slot.Date = key.Date
		slot.Time = key.Time
	}
	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, slotKey(slot.Key()), slotFields(slot))
	pipe.ExpireNX(ctx, slotKey(slot.Key()), l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr(err)
	}
	return nil
}

// DeleteSlot removes the exact key and reports whether a record existed.
func (l *RedisLedger) DeleteSlot(ctx context.Context, key model.SlotKey) (bool, error) {
	n, err := l.rdb.Del(ctx, slotKey(key)).Result()
	if err != nil {
		return false, storageErr(err)
	}
	return n > 0, nil
}

func (l *RedisLedger) ListSlotsForDate(ctx context.Context, date string) ([]model.Slot, error) {
	keys, err := l.scanDate(ctx, date)
	if err != nil {
		return nil, err
	}
	return l.fetchSlots(ctx, keys)
}

// ListSlotsForDateRange lists slots for every date in [startDate, endDate],
// inclusive. Each date is scanned independently; the listing tolerates
// records appearing or expiring between cursor pages.
func (l *RedisLedger) ListSlotsForDateRange(ctx context.Context, startDate, endDate string) ([]model.Slot, error) {
	start, err := time.Parse(model.DateLayout, startDate)
	if err != nil {
		return nil, &model.ValidationError{Field: "startDate", Reason: "must be YYYY-MM-DD"}
	}
	end, err := time.Parse(model.DateLayout, endDate)
	if err != nil {
		return nil, &model.ValidationError{Field: "endDate", Reason: "must be YYYY-MM-DD"}
	}
	if end.Before(start) {
		return nil, &model.ValidationError{Field: "endDate", Reason: "must not precede startDate"}
	}

	var all []model.Slot
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		slots, err := l.ListSlotsForDate(ctx, d.Format(model.DateLayout))
		if err != nil {
			return nil, err
		}
		all = append(all, slots...)
	}
	return all, nil
}

// EmptySlotsForDate deletes every slot on a date and returns how many were
// removed.
func (l *RedisLedger) EmptySlotsForDate(ctx context.Context, date string) (int, error) {
	keys, err := l.scanDate(ctx, date)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := l.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, storageErr(err)
	}
	return int(n), nil
}

// ReserveUnit atomically decrements the slot's capacity if it is positive
// and returns the remaining capacity. It never performs a separate
// read-check-write sequence.
func (l *RedisLedger) ReserveUnit(ctx context.Context, key model.SlotKey) (int64, error) {
	return l.runCounterScript(ctx, reserveScript, key, model.ErrCapacityExhausted)
}

// ReleaseUnit atomically returns one capacity unit to the slot. A missing
// (expired or deleted) slot yields ErrSlotNotFound; callers releasing after
// cancellation treat that as a no-op and must not recreate the slot.
func (l *RedisLedger) ReleaseUnit(ctx context.Context, key model.SlotKey) (int64, error) {
	return l.runCounterScript(ctx, releaseScript, key, nil)
}

func (l *RedisLedger) runCounterScript(ctx context.Context, script *redis.Script, key model.SlotKey, exhausted error) (int64, error) {
	res, err := script.Run(ctx, l.rdb, []string{slotKey(key)}).Result()
	if err != nil {
		return 0, storageErr(err)
	}
	n, err := coerceInt64(res)
	if err != nil {
		return 0, storageErr(err)
	}
	switch n {
	case -2:
		return 0, model.ErrSlotNotFound
	case -1:
		if exhausted != nil {
			return 0, exhausted
		}
	}
	return n, nil
}

func (l *RedisLedger) scanDate(ctx context.Context, date string) ([]string, error) {
	pattern := keyPrefix + date + ":*"
	var keys []string
	var cursor uint64
	for {
		batch, next, err := l.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, storageErr(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (l *RedisLedger) fetchSlots(ctx context.Context, keys []string) ([]model.Slot, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := l.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storageErr(err)
	}

	slots := make([]model.Slot, 0, len(keys))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, storageErr(err)
		}
		if len(fields) == 0 {
			// Expired between scan and fetch.
			continue
		}
		slot, err := parseSlot(fields)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Date != slots[j].Date {
			return slots[i].Date < slots[j].Date
		}
		return slots[i].Time < slots[j].Time
	})
	return slots, nil
}

func slotFields(slot model.Slot) map[string]any {
	return map[string]any{
		"date":     slot.Date,
		"time":     slot.Time,
		"start":    slot.StartTime.Format(time.RFC3339),
		"end":      slot.EndTime.Format(time.RFC3339),
		"capacity": slot.Capacity,
	}
}

func parseSlot(fields map[string]string) (model.Slot, error) {
	start, err := time.Parse(time.RFC3339, fields["start"])
	if err != nil {
		return model.Slot{}, storageErr(fmt.Errorf("corrupt slot record: start %q", fields["start"]))
	}
	end, err := time.Parse(time.RFC3339, fields["end"])
	if err != nil {
		return model.Slot{}, storageErr(fmt.Errorf("corrupt slot record: end %q", fields["end"]))
	}
	capacity, err := strconv.Atoi(fields["capacity"])
	if err != nil {
		return model.Slot{}, storageErr(fmt.Errorf("corrupt slot record: capacity %q", fields["capacity"]))
	}
	return model.Slot{
		Date:      fields["date"],
		Time:      fields["time"],
		StartTime: start,
		EndTime:   end,
		Capacity:  capacity,
	}, nil
}

func coerceInt64(res any) (int64, error) {
	switch v := res.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		// Lua sometimes returns strings depending on Redis config/driver conversions.
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis script result type %T", res)
	}
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
}
