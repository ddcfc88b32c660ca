// Package report builds the monthly trading summary from closed trades.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trade-mirror/pkg/db"
	"trade-mirror/pkg/logger"
	"trade-mirror/pkg/notify"
)

// Scaling projects real PnL figures onto a presentation deposit. When
// enabled, every money amount in the report is multiplied by fake/real.
type Scaling struct {
	Enabled     bool
	RealDeposit float64
	FakeDeposit float64
}

func (s Scaling) factor() float64 {
	if !s.Enabled || s.RealDeposit <= 0 || s.FakeDeposit <= 0 {
		return 1
	}
	return s.FakeDeposit / s.RealDeposit
}

// Summary aggregates one calendar month of closed trades.
type Summary struct {
	Month    time.Time // first day of the month, UTC
	Trades   int
	Wins     int
	NetPnl   float64
	Volume   float64
	AvgRR    float64
	BestPnl  float64
	WorstPnl float64
}

func (s Summary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades) * 100
}

// Monthly reads closures for the month containing at and folds them into a
// summary. Money figures are already scaled.
func Monthly(ctx context.Context, store *db.Database, at time.Time, scaling Scaling) (Summary, error) {
	from := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	trades, err := store.ListClosedTradesBetween(ctx, from, to)
	if err != nil {
		return Summary{}, fmt.Errorf("load closed trades: %w", err)
	}

	f := scaling.factor()
	s := Summary{Month: from}
	var rrTotal float64
	for i, t := range trades {
		pnl := t.RealizedPnl * f
		s.Trades++
		s.NetPnl += pnl
		s.Volume += t.Volume
		rrTotal += t.RiskReward
		if t.RealizedPnl >= 0 {
			s.Wins++
		}
		if i == 0 || pnl > s.BestPnl {
			s.BestPnl = pnl
		}
		if i == 0 || pnl < s.WorstPnl {
			s.WorstPnl = pnl
		}
	}
	if s.Trades > 0 {
		s.AvgRR = rrTotal / float64(s.Trades)
	}
	return s, nil
}

// Render formats a summary as the Telegram report text.
func Render(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Report %s\n", s.Month.Format("January 2006"))
	if s.Trades == 0 {
		b.WriteString("no closed trades")
		return b.String()
	}
	fmt.Fprintf(&b, "trades: %d, win rate: %.0f%%\n", s.Trades, s.WinRate())
	fmt.Fprintf(&b, "net PnL: %+.2f USDT\n", s.NetPnl)
	fmt.Fprintf(&b, "best: %+.2f, worst: %+.2f\n", s.BestPnl, s.WorstPnl)
	fmt.Fprintf(&b, "avg RR: %.1f, volume: %.4f", s.AvgRR, s.Volume)
	return b.String()
}

// Scheduler sends the previous month's report shortly after each month
// rolls over, and optionally the running month's report at startup.
type Scheduler struct {
	store    *db.Database
	notifier notify.Notifier
	scaling  Scaling
}

func NewScheduler(store *db.Database, notifier notify.Notifier, scaling Scaling) *Scheduler {
	return &Scheduler{store: store, notifier: notifier, scaling: scaling}
}

// SendFor builds and delivers the report for the month containing at.
func (s *Scheduler) SendFor(ctx context.Context, at time.Time) {
	sum, err := Monthly(ctx, s.store, at, s.scaling)
	if err != nil {
		logger.Errorf("monthly report: %v", err)
		return
	}
	s.notifier.Send(Render(sum))
}

// Run blocks until ctx is done, reporting each finished month once.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), 1, 0, 5, 0, 0, time.UTC).AddDate(0, 1, 0)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			s.SendFor(ctx, next.AddDate(0, -1, 0))
		}
	}
}
