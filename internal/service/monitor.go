package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"guardian-node/internal/config"
	"guardian-node/internal/custody"
	"guardian-node/internal/logger"
	"guardian-node/internal/metrics"
	"guardian-node/internal/reconstruction"
	"guardian-node/internal/resilience"
	"guardian-node/internal/session"
	"guardian-node/internal/storage"
)

// SweepReport summarizes one resilience sweep.
type SweepReport struct {
	ExpiredSessions int                         `json:"expiredSessions"`
	ExpiredRequests int                         `json:"expiredRequests"`
	ExpiredPaths    int                         `json:"expiredPaths"`
	Warned          int                         `json:"warned"`
	Fallbacks       map[resilience.Strategy]int `json:"fallbacks"`
	OpenSessions    int                         `json:"openSessions"`
	OpenRequests    int                         `json:"openRequests"`
	RemovedSessions int                         `json:"removedSessions"`
	RemovedRequests int                         `json:"removedRequests"`
	Notifications   []resilience.Notification   `json:"notifications,omitempty"`
}

// Monitor periodically expires stale items, warns about stalling ones and activates fallbacks.
type Monitor struct {
	store         storage.Store
	sessions      *session.Manager
	coord         *reconstruction.Coordinator
	paths         *resilience.Paths
	tracker       *resilience.Tracker
	notifier      Notifier
	cfg           config.ResilienceConfig
	retentionDays int
	now           func() time.Time
}

// MonitorParams holds the dependencies of a Monitor.
type MonitorParams struct {
	Store         storage.Store
	Sessions      *session.Manager
	Coordinator   *reconstruction.Coordinator
	Paths         *resilience.Paths
	Notifier      Notifier
	Config        config.ResilienceConfig
	RetentionDays int
	Now           func() time.Time
}

func NewMonitor(p MonitorParams) *Monitor {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		store:         p.Store,
		sessions:      p.Sessions,
		coord:         p.Coordinator,
		paths:         p.Paths,
		tracker:       resilience.NewTracker(),
		notifier:      p.Notifier,
		cfg:           p.Config,
		retentionDays: p.RetentionDays,
		now:           now,
	}
}

func (m *Monitor) Tracker() *resilience.Tracker { return m.tracker }

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := m.Sweep(ctx)
			if err != nil {
				logger.Log.Errorf("Resilience sweep failed: %v", err)
				continue
			}
			logger.Log.WithFields(logrus.Fields{
				"open_sessions": report.OpenSessions,
				"open_requests": report.OpenRequests,
				"warned":        report.Warned,
			}).Debug("Resilience sweep done")
		}
	}
}

// Sweep runs one pass. Errors on single items are logged and the sweep moves on; only
// failures to list items abort it.
func (m *Monitor) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Fallbacks: map[resilience.Strategy]int{}}
	var err error
	if report.ExpiredSessions, err = m.sessions.ExpireOldSessions(ctx); err != nil {
		return nil, err
	}
	if report.ExpiredRequests, err = m.coord.ExpireOldRequests(ctx); err != nil {
		return nil, err
	}
	if m.paths != nil {
		if report.ExpiredPaths, err = m.paths.ExpirePaths(ctx); err != nil {
			return nil, err
		}
	}

	open := map[string]bool{}
	sessions, err := m.store.ListSessions(ctx, storage.SessionFilter{
		Statuses: []custody.SessionStatus{custody.SessionPending, custody.SessionNonceCollection},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range sessions {
		group, err := m.store.GetGroup(ctx, s.GroupID)
		if err != nil {
			logger.Log.WithField("session", s.ID).Errorf("Failed to load group %s: %v", s.GroupID, err)
			continue
		}
		open[s.ID] = true
		m.inspect(ctx, resilience.StateFromSession(s, group), report)
	}
	report.OpenSessions = len(sessions)

	requests, err := m.store.ListRequests(ctx, storage.RequestFilter{
		Statuses: []custody.RequestStatus{custody.RequestPending},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	for _, r := range requests {
		group, err := m.store.GetGroup(ctx, r.GroupID)
		if err != nil {
			logger.Log.WithField("request", r.ID).Errorf("Failed to load group %s: %v", r.GroupID, err)
			continue
		}
		open[r.ID] = true
		m.inspect(ctx, resilience.StateFromRequest(r, group), report)
	}
	report.OpenRequests = len(requests)

	metrics.OpenItems.WithLabelValues(metrics.RecordSession).Set(float64(report.OpenSessions))
	metrics.OpenItems.WithLabelValues(metrics.RecordRequest).Set(float64(report.OpenRequests))
	m.tracker.Prune(open)

	if m.retentionDays > 0 {
		if report.RemovedSessions, err = m.sessions.CleanupOldSessions(ctx, m.retentionDays); err != nil {
			logger.Log.Errorf("Session cleanup failed: %v", err)
		}
		if report.RemovedRequests, err = m.coord.CleanupOldRequests(ctx, m.retentionDays); err != nil {
			logger.Log.Errorf("Request cleanup failed: %v", err)
		}
	}
	return report, nil
}

func (m *Monitor) inspect(ctx context.Context, st *resilience.ConsensusState, report *SweepReport) {
	now := m.now()
	if !resilience.ShouldWarnAboutTimeout(st, m.cfg, now) {
		return
	}
	fb := resilience.DetermineBestFallback(st, m.cfg)

	if m.tracker.MarkWarned(st.SubjectID, now) {
		report.Warned++
		m.notify(ctx, resilience.GenerateTimeoutNotification(st, fb, m.cfg, now), report)
	}
	if fb.Strategy == resilience.StrategyNone || !resilience.ShouldActivateEmergencyRecovery(st, m.cfg, now) {
		return
	}
	if !m.tracker.MarkFallback(st.SubjectID, fb.Strategy, now) {
		return
	}

	log := logger.Log.WithFields(logrus.Fields{"subject": st.SubjectID, "strategy": fb.Strategy})
	if err := m.activate(ctx, st, fb); err != nil {
		log.Errorf("Fallback not applied: %v", err)
		return
	}
	log.Warn("Fallback activated")
	report.Fallbacks[fb.Strategy]++
	if fb.Strategy != resilience.StrategyEmergencyRecovery {
		// emergency paths count themselves when created
		metrics.FallbacksTotal.WithLabelValues(string(fb.Strategy)).Inc()
	}
	m.notify(ctx, resilience.GenerateTimeoutNotification(st, fb, m.cfg, now), report)
}

func (m *Monitor) activate(ctx context.Context, st *resilience.ConsensusState, fb resilience.Fallback) error {
	switch fb.Strategy {
	case resilience.StrategyBackupGuardians:
		if st.SubjectKind != custody.SubjectSigningSession {
			return fmt.Errorf("%w: backups cannot stand in for %s", custody.ErrInvalidState, st.SubjectKind)
		}
		_, err := m.sessions.ApplyBackupSubstitution(ctx, st.SubjectID, fb.Replaced, fb.Backups)
		return err
	case resilience.StrategyReducedQuorum:
		if st.SubjectKind == custody.SubjectSigningSession {
			_, err := m.sessions.ApplyReducedQuorum(ctx, st.SubjectID, m.cfg.MinimumQuorum)
			return err
		}
		_, err := m.coord.ApplyReducedQuorum(ctx, st.SubjectID, m.cfg.MinimumQuorum)
		return err
	case resilience.StrategyEmergencyRecovery:
		if m.paths == nil {
			return errors.New("emergency paths are not configured")
		}
		_, err := m.paths.Create(ctx, st, fb.Reason)
		return err
	}
	return nil
}

func (m *Monitor) notify(ctx context.Context, n resilience.Notification, report *SweepReport) {
	metrics.NotificationsTotal.WithLabelValues(string(n.Severity)).Inc()
	report.Notifications = append(report.Notifications, n)
	notifyAll(ctx, m.notifier, n.Recipients, Notice{
		Event:     EventTimeout,
		SubjectID: n.SubjectID,
		GroupID:   n.GroupID,
		Data:      n,
	})
}
