package stats

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"okx-trend-bot/internal/model"
)

const dateLayout = "2006-01-02"

// Tracker owns the running day's accounting: trade counts, loss streak and
// the halt flag. All calls happen from a single engine cycle, so it does no
// locking of its own.
type Tracker struct {
	store         Store
	maxLossStreak int
	reportHour    int
	reportMinute  int
	now           func() time.Time
	logger        *zap.Logger

	rec           DayRecord
	lastReportKey string
}

// NewTracker loads any persisted record and resumes it. A record from an
// earlier day is kept until the first RollIfNewDay call so its report can
// still be delivered.
func NewTracker(store Store, maxLossStreak int, reportAt string, now func() time.Time, logger *zap.Logger) (*Tracker, error) {
	if now == nil {
		now = time.Now
	}
	at, err := time.Parse("15:04", reportAt)
	if err != nil {
		return nil, fmt.Errorf("parse report time %q: %w", reportAt, err)
	}
	rec, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load daily stats: %w", err)
	}
	t := &Tracker{
		store:         store,
		maxLossStreak: maxLossStreak,
		reportHour:    at.Hour(),
		reportMinute:  at.Minute(),
		now:           now,
		logger:        logger,
		rec:           rec,
	}
	if t.rec.Date == "" {
		t.rec = DayRecord{Date: now().Format(dateLayout)}
	}
	return t, nil
}

// RollIfNewDay resets the record at the local-day boundary. It returns the
// finished day's report so the caller can deliver it.
func (t *Tracker) RollIfNewDay() (string, bool) {
	today := t.now().Format(dateLayout)
	if t.rec.Date == today {
		return "", false
	}
	report := t.formatReport()
	t.logger.Info("daily stats rollover",
		zap.String("from", t.rec.Date),
		zap.String("to", today),
		zap.Float64("realizedPnl", t.rec.RealizedPnL))
	t.rec = DayRecord{Date: today}
	t.persist()
	return report, true
}

// DueReport returns the scheduled end-of-day report exactly once per day,
// when the local clock reaches the configured minute. Days without any
// activity produce no report.
func (t *Tracker) DueReport() (string, bool) {
	now := t.now()
	if now.Hour() != t.reportHour || now.Minute() != t.reportMinute {
		return "", false
	}
	key := fmt.Sprintf("%s:%02d:%02d", t.rec.Date, t.reportHour, t.reportMinute)
	if t.lastReportKey == key {
		return "", false
	}
	t.lastReportKey = key
	if len(t.rec.Trades) == 0 && t.rec.RealizedPnL == 0 {
		return "", false
	}
	return t.formatReport(), true
}

// RecordEntry counts a confirmed position entry.
func (t *Tracker) RecordEntry(instID string) {
	t.rec.TradesToday++
	t.persist()
}

// RecordExit books a confirmed exit. A winning close resets the loss
// streak; a losing close extends it and may halt the day.
func (t *Tracker) RecordExit(tr model.TradeRecord) {
	t.rec.Trades = append(t.rec.Trades, TradeEntry{
		Time:   tr.ExitTime.Format("15:04:05"),
		InstID: tr.InstID,
		Side:   tr.PosSide.String(),
		Entry:  tr.EntryPrice,
		Close:  tr.ExitPrice,
		Qty:    tr.Size,
		PnL:    tr.RealizedPnL,
		Reason: tr.TriggerReason,
	})
	t.rec.RealizedPnL += tr.RealizedPnL
	if tr.RealizedPnL > 0 {
		t.rec.Wins++
		t.rec.LossStreak = 0
	} else {
		t.rec.Losses++
		t.rec.LossStreak++
		if t.maxLossStreak > 0 && t.rec.LossStreak >= t.maxLossStreak && !t.rec.Halted {
			t.rec.Halted = true
			t.logger.Warn("loss streak limit reached, trading halted until day rollover",
				zap.Int("lossStreak", t.rec.LossStreak),
				zap.Int("max", t.maxLossStreak))
		}
	}
	t.persist()
}

// Halted reports whether new entries are blocked for the rest of the day.
func (t *Tracker) Halted() bool { return t.rec.Halted }

// Snapshot returns a copy of the current record for reporting and metrics.
func (t *Tracker) Snapshot() DayRecord {
	out := t.rec
	out.Trades = append([]TradeEntry(nil), t.rec.Trades...)
	return out
}

func (t *Tracker) persist() {
	if err := t.store.Save(t.rec); err != nil {
		t.logger.Warn("save daily stats failed", zap.Error(err))
	}
}

// formatReport renders the day summary sent to the notification sink. Only
// the last 20 trades are listed to keep the message short.
func (t *Tracker) formatReport() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily report %s\n", t.rec.Date)
	fmt.Fprintf(&b, "PnL: %+.2f USDT\n", t.rec.RealizedPnL)
	fmt.Fprintf(&b, "Trades: %d (W %d / L %d)", t.rec.TradesToday, t.rec.Wins, t.rec.Losses)
	if t.rec.Halted {
		b.WriteString("\nHALTED by loss streak")
	}
	trades := t.rec.Trades
	if len(trades) > 20 {
		trades = trades[len(trades)-20:]
	}
	if len(trades) > 0 {
		b.WriteString("\n----------------")
	}
	for _, tr := range trades {
		fmt.Fprintf(&b, "\n%s | %s | %.2f→%.2f | %+.2f (%s)",
			tr.Time, strings.ToUpper(tr.Side), tr.Entry, tr.Close, tr.PnL, tr.Reason)
	}
	return b.String()
}
