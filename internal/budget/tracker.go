// Package budget tracks per-tier spend against daily and weekly limits and
// enforces one of three modes: alert-only, block, or downgrade.
package budget

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jordanhubbard/slimclaw/internal/tier"
)

// EnforcementMode selects how Check reacts to an exhausted budget.
type EnforcementMode string

const (
	AlertOnly EnforcementMode = "alert-only"
	Block     EnforcementMode = "block"
	Downgrade EnforcementMode = "downgrade"
)

// Limits configures the daily/weekly ceiling for one tier.
type Limits struct {
	Daily  float64
	Weekly float64
}

// Config wires the tracker's enforcement behavior.
type Config struct {
	Enabled               bool
	EnforcementMode       EnforcementMode
	AlertThresholdPercent float64 // default 80 if zero
	Limits                map[tier.Tier]Limits
}

type counter struct {
	Spent   float64
	ResetAt time.Time
}

// counterWire is the snapshot-file form of a counter: resetAt travels as
// epoch milliseconds so the file is readable by tooling in any language.
type counterWire struct {
	Spent   float64 `json:"spent"`
	ResetAt int64   `json:"resetAt"`
}

func (c counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(counterWire{Spent: c.Spent, ResetAt: c.ResetAt.UnixMilli()})
}

func (c *counter) UnmarshalJSON(data []byte) error {
	var w counterWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Spent = w.Spent
	c.ResetAt = time.UnixMilli(w.ResetAt).UTC()
	return nil
}

// TierSpending is one tier's daily and weekly counters.
type TierSpending struct {
	Daily  counter `json:"daily"`
	Weekly counter `json:"weekly"`
}

// CheckResult is returned by Check.
type CheckResult struct {
	Allowed           bool
	DailyRemaining    float64
	WeeklyRemaining   float64
	AlertTriggered    bool
	EnforcementAction EnforcementMode
}

// unboundedRemaining is returned for tiers with no configured limit.
const unboundedRemaining = 1e18

// Tracker is a process-global singleton owned by the sidecar's lifecycle.
// All public methods are safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	cfg   Config
	state map[tier.Tier]*TierSpending
}

// New constructs a Tracker restricted to tiers that have a configured daily
// or weekly limit.
func New(cfg Config) *Tracker {
	if cfg.AlertThresholdPercent <= 0 {
		cfg.AlertThresholdPercent = 80
	}
	now := time.Now().UTC()
	state := make(map[tier.Tier]*TierSpending)
	for t, lim := range cfg.Limits {
		if lim.Daily <= 0 && lim.Weekly <= 0 {
			continue
		}
		state[t] = &TierSpending{
			Daily:  counter{ResetAt: nextUTCMidnight(now)},
			Weekly: counter{ResetAt: nextUTCMonday(now)},
		}
	}
	return &Tracker{cfg: cfg, state: state}
}

// Record adds amount to both the daily and weekly counters for tier. No-op
// if the tracker is disabled, the tier is unconfigured, or amount <= 0.
func (t *Tracker) Record(tr tier.Tier, amount float64) {
	if !t.cfg.Enabled || amount <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeResetLocked(time.Now().UTC())

	s, ok := t.state[tr]
	if !ok {
		return
	}
	s.Daily.Spent += amount
	s.Weekly.Spent += amount
}

// Check reports whether tier tr is within budget under the configured
// enforcement mode.
func (t *Tracker) Check(tr tier.Tier) CheckResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeResetLocked(time.Now().UTC())

	s, ok := t.state[tr]
	if !ok {
		return CheckResult{Allowed: true, DailyRemaining: unboundedRemaining, WeeklyRemaining: unboundedRemaining}
	}

	lim := t.cfg.Limits[tr]
	dailyRemaining := unboundedRemaining
	weeklyRemaining := unboundedRemaining
	if lim.Daily > 0 {
		dailyRemaining = lim.Daily - s.Daily.Spent
	}
	if lim.Weekly > 0 {
		weeklyRemaining = lim.Weekly - s.Weekly.Spent
	}

	alert := false
	if lim.Daily > 0 && s.Daily.Spent/lim.Daily*100 >= t.cfg.AlertThresholdPercent {
		alert = true
	}
	if lim.Weekly > 0 && s.Weekly.Spent/lim.Weekly*100 >= t.cfg.AlertThresholdPercent {
		alert = true
	}

	allowed := true
	switch t.cfg.EnforcementMode {
	case Block:
		dailyBreach := lim.Daily > 0 && s.Daily.Spent > lim.Daily
		weeklyBreach := lim.Weekly > 0 && s.Weekly.Spent > lim.Weekly
		allowed = !(dailyBreach || weeklyBreach)
	case Downgrade:
		allowed = !(lim.Daily > 0 && s.Daily.Spent > lim.Daily)
	case AlertOnly, "":
		allowed = true
	}

	return CheckResult{
		Allowed:           allowed,
		DailyRemaining:    dailyRemaining,
		WeeklyRemaining:   weeklyRemaining,
		AlertTriggered:    alert,
		EnforcementAction: t.cfg.EnforcementMode,
	}
}

// UpdateConfig swaps the tracker's limits and enforcement mode at runtime
// (SIGHUP reload). Tiers gaining a limit start with fresh zero counters;
// tiers losing every limit are dropped; tiers keeping a limit retain their
// accumulated spend and reset boundaries.
func (t *Tracker) UpdateConfig(cfg Config) {
	if cfg.AlertThresholdPercent <= 0 {
		cfg.AlertThresholdPercent = 80
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	for tr, lim := range cfg.Limits {
		if lim.Daily <= 0 && lim.Weekly <= 0 {
			continue
		}
		if _, ok := t.state[tr]; !ok {
			t.state[tr] = &TierSpending{
				Daily:  counter{ResetAt: nextUTCMidnight(now)},
				Weekly: counter{ResetAt: nextUTCMonday(now)},
			}
		}
	}
	for tr := range t.state {
		lim := cfg.Limits[tr]
		if lim.Daily <= 0 && lim.Weekly <= 0 {
			delete(t.state, tr)
		}
	}
	t.cfg = cfg
}

// maybeReset forces the reset check without going through Record/Check.
// Exists for tests that manipulate reset boundaries directly.
func (t *Tracker) maybeReset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeResetLocked(time.Now().UTC())
}

// maybeResetLocked advances any tier whose reset boundary has passed. Caller
// must hold t.mu.
func (t *Tracker) maybeResetLocked(now time.Time) {
	for _, s := range t.state {
		if !now.Before(s.Daily.ResetAt) {
			s.Daily.Spent = 0
			s.Daily.ResetAt = nextUTCMidnight(now)
		}
		if !now.Before(s.Weekly.ResetAt) {
			s.Daily.Spent = 0
			s.Weekly.Spent = 0
			s.Weekly.ResetAt = nextUTCMonday(now)
		}
	}
}

func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next
}

func nextUTCMonday(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	// time.Weekday: Sunday=0 .. Saturday=6. Days until next Monday (1..7).
	daysUntilMonday := (8 - int(day.Weekday())) % 7
	if daysUntilMonday == 0 {
		daysUntilMonday = 7
	}
	return day.AddDate(0, 0, daysUntilMonday)
}

// Snapshot is the wire form written to the budget snapshot file.
type Snapshot map[tier.Tier]TierSpending

// Serialize emits the current spend/resetAt state for every tracked tier.
func (t *Tracker) Serialize() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeResetLocked(time.Now().UTC())

	out := make(Snapshot, len(t.state))
	for tr, s := range t.state {
		out[tr] = *s
	}
	return out
}

// FromSnapshot reconstructs a Tracker from a previously serialized snapshot.
// Tiers present in cfg but absent from snapshot get fresh zero counters with
// future reset boundaries.
func FromSnapshot(cfg Config, snapshot Snapshot) *Tracker {
	t := New(cfg)
	for tr, s := range snapshot {
		if _, configured := t.state[tr]; !configured {
			continue
		}
		cp := s
		t.state[tr] = &cp
	}
	return t
}
