package risk

import (
	"fmt"
	"time"
)

// Transition is an audited safety mode change.
type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// TradingDay formats t as the UTC trading day key.
func TradingDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NewSafetyState seeds the safety record at first startup. The starting
// portfolio value becomes the initial peak.
func NewSafetyState(now time.Time, totalValue float64) SafetyState {
	return SafetyState{
		Mode:         ModeNormal,
		PeakValueUSD: totalValue,
		Day:          TradingDay(now),
	}
}

// Advance applies one cycle's observations to the safety state and returns
// the updated record plus any mode transitions for the audit trail.
//
// Ordering matters: the day boundary is handled first so a stale
// DAILY_LIMIT_REACHED never suppresses the new day's trading, then the peak
// and drawdown are recomputed (every cycle, trade or not), then executed
// trades are counted. EMERGENCY_STOPPED latches: only ClearEmergency leaves
// it, and the daily reset does not touch it.
func Advance(s SafetyState, now time.Time, totalValue float64, executedTrades int, lim Limits) (SafetyState, []Transition) {
	var trs []Transition

	if day := TradingDay(now); day != s.Day {
		s.Day = day
		s.TradesToday = 0
		if s.Mode == ModeDailyLimit {
			trs = append(trs, Transition{From: s.Mode, To: ModeNormal, Reason: "day rollover", At: now})
			s.Mode = ModeNormal
		}
	}

	if totalValue > s.PeakValueUSD {
		s.PeakValueUSD = totalValue
	}
	if s.PeakValueUSD > 0 {
		s.DrawdownPct = (s.PeakValueUSD - totalValue) / s.PeakValueUSD
	} else {
		s.DrawdownPct = 0
	}

	s.TradesToday += executedTrades

	if s.Mode != ModeEmergency && s.DrawdownPct >= lim.EmergencyStopLossPct {
		trs = append(trs, Transition{
			From:   s.Mode,
			To:     ModeEmergency,
			Reason: fmt.Sprintf("drawdown %.1f%% breached emergency stop %.1f%%", s.DrawdownPct*100, lim.EmergencyStopLossPct*100),
			At:     now,
		})
		s.Mode = ModeEmergency
		s.StoppedAt = now
		s.StopReason = trs[len(trs)-1].Reason
	}

	if s.Mode == ModeNormal && s.TradesToday >= lim.MaxTradesPerDay {
		trs = append(trs, Transition{
			From:   s.Mode,
			To:     ModeDailyLimit,
			Reason: fmt.Sprintf("%d trades executed today, limit %d", s.TradesToday, lim.MaxTradesPerDay),
			At:     now,
		})
		s.Mode = ModeDailyLimit
	}

	return s, trs
}

// ClearEmergency releases a latched emergency stop. Only an explicit
// operator action lands here; the peak is re-based to the current value so
// the same drawdown does not immediately re-trip the stop. Returns an error
// when no emergency is active, so a stale dashboard cannot silently
// "clear" a normal system.
func ClearEmergency(s SafetyState, now time.Time, totalValue float64, operator, reason string) (SafetyState, Transition, error) {
	if s.Mode != ModeEmergency {
		return s, Transition{}, fmt.Errorf("clear emergency: mode is %s, not %s", s.Mode, ModeEmergency)
	}
	tr := Transition{
		From:   ModeEmergency,
		To:     ModeNormal,
		Reason: fmt.Sprintf("cleared by %s: %s", operator, reason),
		At:     now,
	}
	s.Mode = ModeNormal
	s.PeakValueUSD = totalValue
	s.DrawdownPct = 0
	s.StoppedAt = time.Time{}
	s.StopReason = ""
	return s, tr, nil
}
