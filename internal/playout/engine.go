// Package playout implements the Playout Engine (spec.md §4.5): given a
// ProgramSchedule, a persistent Playout anchor, and the collections a
// schedule's slots reference, it decides the current item and a wall-clock
// horizon of future programmes, without ever letting EPG-side drift feed
// back into playback — the database's last_item_index is the only source
// of truth.
package playout

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/meridiantv/broadcastd/internal/model"
	"github.com/meridiantv/broadcastd/internal/xerrors"
)

// CollectionResolver turns a CollectionRef into its ordered member items.
// internal/library implements the MediaItem→URL half; this interface is
// implemented by internal/store for now (playlist_items lookups) and kept
// separate so playout never needs to know about sqlite directly.
type CollectionResolver interface {
	Resolve(ctx context.Context, ref model.CollectionRef) ([]model.MediaItem, error)
}

// ScheduleStore is the persistence seam the engine needs: schedule lookup
// and playout anchor get/save. internal/store.Store satisfies this.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, channelID int64) (*model.ProgramSchedule, error)
	GetPlayout(channelID int64) (*model.Playout, error)
	SavePlayout(p *model.Playout) error
}

type engineState struct {
	SlotIndex         int                   `json:"slot_index"`
	ItemsPlayedInSlot int                   `json:"items_played_in_slot"`
	SlotAccumNS       int64                 `json:"slot_accum_ns"`
	Enumerators       map[string]*enumState `json:"enumerators"`
}

// Engine is the playout engine. One Engine instance serves every channel;
// per-channel mutation is serialized by a per-channel mutex obtained from
// locks, matching the teacher's single-registry-mutex idiom used in
// internal/pool.
type Engine struct {
	store    ScheduleStore
	resolver CollectionResolver

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(store ScheduleStore, resolver CollectionResolver) *Engine {
	return &Engine{store: store, resolver: resolver, locks: make(map[int64]*sync.Mutex)}
}

func (e *Engine) lockFor(channelID int64) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[channelID] = l
	}
	return l
}

// CurrentItem returns the item playing at `now`, per spec.md §4.5's output
// contract. It is a pure read: it replays the enumerator deterministically
// from the persisted anchor but does not persist any state change — only
// Advance (called by the broadcaster on exit-0) does that.
func (e *Engine) CurrentItem(ctx context.Context, channelID int64, now time.Time) (*model.ScheduledProgramme, error) {
	l := e.lockFor(channelID)
	l.Lock()
	defer l.Unlock()

	schedule, playout, err := e.load(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(schedule.Items) == 0 {
		return nil, &xerrors.ScheduleEmpty{ChannelID: channelID}
	}

	st, err := decodeState(playout.EnumeratorState, playout.LastItemIndex, len(schedule.Items))
	if err != nil {
		return nil, err
	}
	anchor := playout.LastItemEndWallclock
	if anchor.IsZero() {
		anchor = now
	}

	var last *model.ScheduledProgramme
	for i := 0; i < 10000; i++ {
		prog, nextSt, err := e.stepOnce(ctx, channelID, schedule, st, anchor)
		if err != nil {
			return nil, err
		}
		if prog.Start.After(now) {
			break
		}
		last = &prog
		st = nextSt
		anchor = prog.End
		if prog.End.After(now) {
			break
		}
	}
	if last == nil {
		return nil, fmt.Errorf("playout: no current item resolved for channel %d", channelID)
	}
	return last, nil
}

// FutureProgrammes returns programmes from the persisted anchor (now, for a
// channel with none) until one starts at or past now+horizon, satisfying S1 (non-decreasing starts), S2 (end == start+duration), S3
// (end[i] <= start[i+1]) by construction, since each step starts exactly
// where the previous one ended.
func (e *Engine) FutureProgrammes(ctx context.Context, channelID int64, now time.Time, horizon time.Duration) ([]model.ScheduledProgramme, error) {
	l := e.lockFor(channelID)
	l.Lock()
	defer l.Unlock()

	schedule, playout, err := e.load(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(schedule.Items) == 0 {
		return nil, &xerrors.ScheduleEmpty{ChannelID: channelID}
	}

	st, err := decodeState(playout.EnumeratorState, playout.LastItemIndex, len(schedule.Items))
	if err != nil {
		return nil, err
	}
	anchor := playout.LastItemEndWallclock
	if anchor.IsZero() {
		anchor = now
	}
	deadline := now.Add(horizon)

	var out []model.ScheduledProgramme
	for i := 0; i < 10000 && anchor.Before(deadline); i++ {
		prog, nextSt, err := e.stepOnce(ctx, channelID, schedule, st, anchor)
		if err != nil {
			return nil, err
		}
		out = append(out, prog)
		st = nextSt
		anchor = prog.End
	}
	return out, nil
}

// Advance is called by the broadcaster exactly once per completed item
// (process exit 0), persisting the single authoritative step forward
// (spec.md §4.2 step 7, §4.5 "Source of truth").
func (e *Engine) Advance(ctx context.Context, channelID int64) (*model.ScheduledProgramme, error) {
	l := e.lockFor(channelID)
	l.Lock()
	defer l.Unlock()

	schedule, playout, err := e.load(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(schedule.Items) == 0 {
		return nil, &xerrors.ScheduleEmpty{ChannelID: channelID}
	}

	st, err := decodeState(playout.EnumeratorState, playout.LastItemIndex, len(schedule.Items))
	if err != nil {
		return nil, err
	}
	anchor := playout.LastItemEndWallclock
	if anchor.IsZero() {
		anchor = time.Now().UTC()
	}

	prog, nextSt, err := e.stepOnce(ctx, channelID, schedule, st, anchor)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(nextSt)
	if err != nil {
		return nil, fmt.Errorf("encode enumerator state: %w", err)
	}
	playout.LastItemIndex++
	playout.LastItemEndWallclock = prog.End
	playout.EnumeratorState = encoded
	playout.IsActive = true
	if err := e.store.SavePlayout(playout); err != nil {
		return nil, fmt.Errorf("advance playout: %w", err)
	}
	return &prog, nil
}

// RebuildSchedule implements internal/agent.PlayoutRebuilder for the bounded
// AI agent's rebuild_playout tool: it resets the channel's persisted anchor
// to the start of its schedule, discarding enumerator state, so the next
// CurrentItem/Advance call starts the schedule over from slot zero rather
// than continuing from wherever the old anchor left off.
func (e *Engine) RebuildSchedule(ctx context.Context, channelID int64) error {
	l := e.lockFor(channelID)
	l.Lock()
	defer l.Unlock()

	schedule, err := e.store.GetSchedule(ctx, channelID)
	if err != nil {
		return fmt.Errorf("rebuild schedule: %w", err)
	}
	fresh := &model.Playout{
		ChannelID:            channelID,
		ScheduleID:           schedule.ID,
		LastItemIndex:        0,
		LastItemEndWallclock: time.Now().UTC(),
		EnumeratorState:      nil,
		IsActive:             true,
	}
	return e.store.SavePlayout(fresh)
}

func (e *Engine) load(ctx context.Context, channelID int64) (*model.ProgramSchedule, *model.Playout, error) {
	schedule, err := e.store.GetSchedule(ctx, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("load schedule: %w", err)
	}
	playout, err := e.store.GetPlayout(channelID)
	if err != nil {
		playout = &model.Playout{ChannelID: channelID}
	}
	return schedule, playout, nil
}

// decodeState restores the enumerator cursor from its persisted blob. When
// the blob is absent (a fresh or rebuilt Playout), Playout.LastItemIndex —
// spec.md §4.5's authoritative walk-forward starting point — seeds the slot
// position instead of always resuming at slot zero, so the database's
// recorded position is never silently discarded, only ever the richer
// embedded permutation/cursor state once one exists.
func decodeState(raw []byte, lastItemIndex int, scheduleLen int) (*engineState, error) {
	if len(raw) == 0 {
		st := &engineState{Enumerators: make(map[string]*enumState)}
		if scheduleLen > 0 {
			st.SlotIndex = lastItemIndex % scheduleLen
		}
		return st, nil
	}
	st := &engineState{Enumerators: make(map[string]*enumState)}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decode enumerator state: %w", err)
	}
	if st.Enumerators == nil {
		st.Enumerators = make(map[string]*enumState)
	}
	return st, nil
}

// stepOnce resolves exactly one item from the current slot, decides whether
// that exhausts the slot under its PlayoutMode, and returns the advanced
// engineState without persisting it — callers decide whether to keep or
// discard the result.
func (e *Engine) stepOnce(ctx context.Context, channelID int64, schedule *model.ProgramSchedule, st *engineState, anchor time.Time) (model.ScheduledProgramme, *engineState, error) {
	slotIdx := st.SlotIndex % len(schedule.Items)
	slot := schedule.Items[slotIdx]

	items, err := e.resolver.Resolve(ctx, slot.CollectionRef)
	if err != nil {
		return model.ScheduledProgramme{}, nil, fmt.Errorf("resolve collection for slot %d: %w", slotIdx, err)
	}
	if len(items) == 0 {
		if slot.FallbackFillerID == nil {
			return model.ScheduledProgramme{}, nil, &xerrors.ScheduleEmpty{ChannelID: channelID}
		}
		items = []model.MediaItem{{ID: *slot.FallbackFillerID, DurationSeconds: 300}}
	}

	key := fmt.Sprintf("%d", slotIdx)
	es, ok := st.Enumerators[key]
	if !ok {
		es = &enumState{}
		st.Enumerators[key] = es
	}
	rng := rand.New(rand.NewSource(int64(slotIdx) + anchor.Unix())) //nolint:gosec // deterministic by design, not a security context
	idx := nextIndex(slot.PlaybackOrder, es, len(items), rng)
	item := items[idx]

	start := anchor
	end := start.Add(time.Duration(item.DurationSeconds) * time.Second)

	next := &engineState{
		SlotIndex:         st.SlotIndex,
		ItemsPlayedInSlot: st.ItemsPlayedInSlot + 1,
		SlotAccumNS:       st.SlotAccumNS + int64(end.Sub(start)),
		Enumerators:       st.Enumerators,
	}

	if e.slotExhausted(schedule, slot, slotIdx, next, end) {
		next = &engineState{
			SlotIndex:         st.SlotIndex + 1,
			ItemsPlayedInSlot: 0,
			SlotAccumNS:       0,
			Enumerators:       st.Enumerators,
		}
	}

	return model.ScheduledProgramme{MediaItem: item, Start: start, End: end}, next, nil
}

// slotExhausted implements spec.md §4.5's four PlayoutMode semantics.
func (e *Engine) slotExhausted(schedule *model.ProgramSchedule, slot model.ScheduleSlot, slotIdx int, next *engineState, itemEnd time.Time) bool {
	switch slot.PlayoutMode {
	case model.PlayoutOne:
		return true
	case model.PlayoutMultiple:
		count := 1
		if slot.MultipleCount != nil {
			count = *slot.MultipleCount
		}
		return next.ItemsPlayedInSlot >= count
	case model.PlayoutDuration:
		target := 30 * time.Minute
		if slot.Duration != nil {
			target = *slot.Duration
		}
		return time.Duration(next.SlotAccumNS) >= target
	case model.PlayoutFlood:
		nextFixed := e.nextFixedStart(schedule, slotIdx)
		return nextFixed != nil && !itemEnd.Before(*nextFixed)
	default:
		return true
	}
}

// nextFixedStart scans forward for the next slot with StartType=fixed so
// FLOOD mode knows its cutover boundary (spec.md §4.5).
func (e *Engine) nextFixedStart(schedule *model.ProgramSchedule, fromSlot int) *time.Time {
	n := len(schedule.Items)
	for i := 1; i <= n; i++ {
		slot := schedule.Items[(fromSlot+i)%n]
		if slot.StartType == model.StartFixed && slot.FixedStartTime != nil {
			return slot.FixedStartTime
		}
	}
	return nil
}
