// Package sweep runs the two background sweepers that enforce time bounds
// the per-connection handler cannot enforce on its own (spec §4.3): the
// start-deadline checker and the post-restart reconnection window.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trailsd/trails/internal/server/bus"
	"github.com/trailsd/trails/internal/server/lifecycle"
	"github.com/trailsd/trails/internal/server/metrics"
	"github.com/trailsd/trails/internal/wire"
)

// startDeadlineSchedule matches the 30 s period spec §4.3 requires.
const startDeadlineSchedule = "@every 30s"

// StartDeadlineChecker periodically flips scheduled apps whose
// start_deadline has elapsed to start_failed, and records a never_started
// crash for each (spec §4.1 "set_start_failed", §4.3).
type StartDeadlineChecker struct {
	Store   *lifecycle.Store
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Run starts a cron schedule ticking every 30s and blocks until ctx is
// cancelled, at which point the schedule is stopped.
func (c *StartDeadlineChecker) Run(ctx context.Context) {
	sched := cron.New()
	if _, err := sched.AddFunc(startDeadlineSchedule, func() { c.tick(ctx) }); err != nil {
		c.Logger.Error("failed to schedule start_deadline checker", zap.Error(err))
		return
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	<-ctx.Done()
}

func (c *StartDeadlineChecker) tick(ctx context.Context) {
	if c.Metrics != nil {
		c.Metrics.SweeperRuns.WithLabelValues("start_deadline").Inc()
		c.refreshStatusGauge(ctx)
	}

	expired, err := c.Store.GetExpiredScheduled(ctx)
	if err != nil {
		c.Logger.Error("get_expired_scheduled failed", zap.Error(err))
		return
	}

	for _, app := range expired {
		if err := c.Store.SetStartFailed(ctx, app.AppID); err != nil {
			c.Logger.Error("set_start_failed failed", zap.String("app_id", app.AppID), zap.Error(err))
			continue
		}
		if err := c.Store.RecordCrash(ctx, app.AppID, wire.CrashNeverStarted, nil, nil); err != nil {
			c.Logger.Error("record_crash failed", zap.String("app_id", app.AppID), zap.Error(err))
			continue
		}
		c.Bus.Publish(bus.Event{Kind: bus.KindCrashDetected, AppID: app.AppID, ParentID: app.ParentID, CrashType: string(wire.CrashNeverStarted)})
	}
}

// knownStatuses lists every status in the §3.3 lattice so the gauge reports
// an explicit zero for statuses with no current apps, rather than omitting
// the label entirely.
var knownStatuses = []wire.Status{
	wire.StatusScheduled, wire.StatusConnected, wire.StatusRunning,
	wire.StatusDone, wire.StatusError, wire.StatusCrashed,
	wire.StatusCancelled, wire.StatusStartFailed, wire.StatusReconnecting,
	wire.StatusLostContact,
}

// refreshStatusGauge recomputes apps_by_status from the store. It runs on
// the same 30s cadence as the deadline check itself rather than its own
// timer, since both are cheap reads over the same table.
func (c *StartDeadlineChecker) refreshStatusGauge(ctx context.Context) {
	counts, err := c.Store.CountByStatus(ctx)
	if err != nil {
		c.Logger.Error("count_by_status failed", zap.Error(err))
		return
	}
	for _, st := range knownStatuses {
		c.Metrics.AppsByStatus.WithLabelValues(string(st)).Set(float64(counts[string(st)]))
	}
}

// ReconnectionWindow runs the one-shot startup sweep that gives apps owned
// by a restarted server instance a grace period to re-register before being
// marked lost_contact (spec §4.3, §9 open question 1).
type ReconnectionWindow struct {
	Store          *lifecycle.Store
	Bus            *bus.Bus
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	ServerInstance string
	Window         time.Duration
}

// Run immediately flips every connected/running app owned by ServerInstance
// to reconnecting, waits Window, then flips whatever is still reconnecting
// to lost_contact. It returns once that single pass completes or ctx is
// cancelled early.
func (w *ReconnectionWindow) Run(ctx context.Context) {
	n, err := w.Store.MarkReconnecting(ctx, w.ServerInstance)
	if err != nil {
		w.Logger.Error("mark_reconnecting failed", zap.Error(err))
		return
	}
	w.Logger.Info("reconnection window opened", zap.Int64("apps", n), zap.Duration("window", w.Window))
	if w.Metrics != nil {
		w.Metrics.SweeperRuns.WithLabelValues("reconnection_window_open").Inc()
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.Window):
	}

	lost, err := w.Store.MarkLostContact(ctx, w.ServerInstance)
	if err != nil {
		w.Logger.Error("mark_lost_contact failed", zap.Error(err))
		return
	}
	w.Logger.Info("reconnection window closed", zap.Int64("lost_contact", lost))
	if w.Metrics != nil {
		w.Metrics.SweeperRuns.WithLabelValues("reconnection_window_close").Inc()
	}

	// No per-app AppTerminal event here: MarkLostContact is a single bulk
	// UPDATE and only reports a row count, not individual app_ids.
	// Subscribers that need per-app lost_contact transitions observe them
	// through Store.Get rather than the bus.
}
