package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-node/internal/config"
	"guardian-node/internal/custody"
	"guardian-node/internal/session"
	"guardian-node/internal/storage"
)

func defaultConfig() config.ResilienceConfig {
	return config.ResilienceConfig{
		Timeout:                 time.Hour,
		WarningFraction:         0.5,
		EmergencyFraction:       0.75,
		EmergencyDelay:          72 * time.Hour,
		EmergencyWindow:         7 * 24 * time.Hour,
		MinimumQuorum:           1,
		EnableBackupGuardians:   true,
		EnableReducedQuorum:     true,
		EnableEmergencyRecovery: true,
	}
}

var start = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func state(required, minimum int, approved, silent, backups []string) *ConsensusState {
	return &ConsensusState{
		SubjectID:         "s1",
		SubjectKind:       custody.SubjectSigningSession,
		GroupID:           "family",
		StartedAt:         start,
		RequiredThreshold: required,
		MinimumThreshold:  minimum,
		Participants:      append(append([]string(nil), approved...), silent...),
		Approved:          approved,
		Silent:            silent,
		Backups:           backups,
	}
}

func TestTimeoutFractions(t *testing.T) {
	cfg := defaultConfig()
	st := state(2, 1, nil, []string{"alice", "bob"}, nil)

	tests := []struct {
		elapsed   time.Duration
		warn      bool
		emergency bool
		timedOut  bool
	}{
		{10 * time.Minute, false, false, false},
		{30 * time.Minute, true, false, false},
		{45 * time.Minute, true, true, false},
		{time.Hour, true, true, true},
	}
	for _, tt := range tests {
		now := start.Add(tt.elapsed)
		assert.Equal(t, tt.warn, ShouldWarnAboutTimeout(st, cfg, now), tt.elapsed)
		assert.Equal(t, tt.emergency, ShouldActivateEmergencyRecovery(st, cfg, now), tt.elapsed)
		assert.Equal(t, tt.timedOut, HasTimedOut(st, cfg, now), tt.elapsed)
	}

	st.Deadline = start.Add(4 * time.Hour)
	assert.False(t, ShouldWarnAboutTimeout(st, cfg, start.Add(time.Hour)))
	assert.True(t, ShouldWarnAboutTimeout(st, cfg, start.Add(2*time.Hour)))
}

func TestDetermineBestFallback(t *testing.T) {
	cfg := defaultConfig()

	t.Run("backups preferred", func(t *testing.T) {
		fb := DetermineBestFallback(state(3, 2, []string{"alice"}, []string{"bob", "carol"}, []string{"dave", "erin"}), cfg)
		assert.Equal(t, StrategyBackupGuardians, fb.Strategy)
		assert.Equal(t, []string{"bob", "carol"}, fb.Replaced)
		assert.Len(t, fb.Backups, 2)
		assert.ElementsMatch(t, []string{"dave", "erin"}, fb.Backups)
	})

	t.Run("backups limited to what is missing", func(t *testing.T) {
		fb := DetermineBestFallback(state(2, 2, []string{"alice"}, []string{"bob", "carol"}, []string{"dave", "erin"}), cfg)
		assert.Equal(t, StrategyBackupGuardians, fb.Strategy)
		assert.Equal(t, []string{"bob"}, fb.Replaced)
		assert.Len(t, fb.Backups, 1)
	})

	t.Run("reduced quorum", func(t *testing.T) {
		fb := DetermineBestFallback(state(3, 2, []string{"alice", "bob"}, []string{"carol"}, nil), cfg)
		assert.Equal(t, StrategyReducedQuorum, fb.Strategy)
		assert.Equal(t, 2, fb.ReducedThreshold)
	})

	t.Run("reduced quorum bounded by item minimum", func(t *testing.T) {
		fb := DetermineBestFallback(state(2, 2, []string{"alice"}, []string{"bob"}, nil), cfg)
		assert.Equal(t, StrategyEmergencyRecovery, fb.Strategy)
	})

	t.Run("reduced quorum bounded by configured minimum", func(t *testing.T) {
		c := cfg
		c.MinimumQuorum = 3
		fb := DetermineBestFallback(state(3, 1, []string{"alice", "bob"}, []string{"carol"}, nil), c)
		assert.Equal(t, StrategyEmergencyRecovery, fb.Strategy)
	})

	t.Run("emergency over reduced quorum when approvals are too few", func(t *testing.T) {
		st := state(3, 1, []string{"alice"}, []string{"bob", "carol"}, nil)
		require.True(t, ShouldActivateEmergencyRecovery(st, cfg, start.Add(50*time.Minute)))
		fb := DetermineBestFallback(st, cfg)
		assert.Equal(t, StrategyEmergencyRecovery, fb.Strategy)
	})

	t.Run("disabled strategies", func(t *testing.T) {
		c := cfg
		c.EnableBackupGuardians = false
		c.EnableReducedQuorum = false
		c.EnableEmergencyRecovery = false
		fb := DetermineBestFallback(state(3, 1, []string{"alice", "bob"}, []string{"carol"}, []string{"dave"}), c)
		assert.Equal(t, StrategyNone, fb.Strategy)
	})

	t.Run("threshold already met", func(t *testing.T) {
		fb := DetermineBestFallback(state(2, 1, []string{"alice", "bob"}, []string{"carol"}, []string{"dave"}), cfg)
		assert.Equal(t, StrategyNone, fb.Strategy)
	})
}

func TestGenerateTimeoutNotification(t *testing.T) {
	cfg := defaultConfig()
	st := state(3, 1, []string{"alice"}, []string{"bob", "carol"}, nil)
	now := start.Add(50 * time.Minute)

	for strategy, want := range map[Strategy]Severity{
		StrategyNone:              SeverityWarning,
		StrategyBackupGuardians:   SeverityWarning,
		StrategyReducedQuorum:     SeverityError,
		StrategyEmergencyRecovery: SeverityCritical,
	} {
		n := GenerateTimeoutNotification(st, Fallback{Strategy: strategy}, cfg, now)
		assert.Equal(t, want, n.Severity, strategy)
		assert.Contains(t, n.Actions, ActionCancel, strategy)
	}

	n := GenerateTimeoutNotification(st, DetermineBestFallback(st, cfg), cfg, now)
	assert.Equal(t, SeverityCritical, n.Severity)
	assert.Equal(t, ActionStartEmergencyRecovery, n.Actions[0])
	assert.Equal(t, 10*time.Minute, n.Remaining)
	assert.Equal(t, []string{"alice", "bob", "carol"}, n.Recipients)

	again := GenerateTimeoutNotification(st, DetermineBestFallback(st, cfg), cfg, now)
	assert.Equal(t, n, again)
}

func TestStateFromSessionAndRequest(t *testing.T) {
	group := &custody.Group{
		ID:               "family",
		SigningThreshold: 2,
		Guardians: []custody.Guardian{
			{ID: "alice", Role: custody.RoleSteward},
			{ID: "bob", Role: custody.RoleGuardian},
			{ID: "carol", Role: custody.RoleGuardian},
			{ID: "dave", Role: custody.RoleBackup},
		},
	}
	s := &custody.SigningSession{
		ID:               "s1",
		GroupID:          "family",
		Participants:     []string{"alice", "bob", "carol"},
		Threshold:        3,
		CreatedAt:        start,
		ExpiresAt:        start.Add(time.Hour),
		NonceCommitments: map[string]string{"bob": "02aa"},
	}
	st := StateFromSession(s, group)
	assert.Equal(t, []string{"bob"}, st.Approved)
	assert.Equal(t, []string{"alice", "carol"}, st.Silent)
	assert.Equal(t, []string{"dave"}, st.Backups)
	assert.Equal(t, 2, st.MinimumThreshold)

	r := &custody.ReconstructionRequest{
		ID:                "r1",
		GroupID:           "family",
		RequiredThreshold: 2,
		CreatedAt:         start,
		ExpiresAt:         start.Add(time.Hour),
		Responses: []custody.GuardianResponse{
			{GuardianID: "alice", ProvidedShare: true, ShareIndices: []int{1}},
			{GuardianID: "carol"},
		},
	}
	rs := StateFromRequest(r, group)
	assert.Equal(t, custody.SubjectReconstructionRequest, rs.SubjectKind)
	assert.Equal(t, []string{"alice"}, rs.Approved)
	assert.Equal(t, []string{"bob", "carol"}, rs.Silent)
	assert.Empty(t, rs.Backups)
}

func TestElectBackups(t *testing.T) {
	candidates := []string{"erin", "dave", "frank"}
	a := ElectBackups("session-1", candidates, 2)
	b := ElectBackups("session-1", []string{"frank", "erin", "dave"}, 2)
	assert.Equal(t, a, b)
	assert.Len(t, a, 2)
	assert.NotEqual(t, a[0], a[1])

	assert.Len(t, ElectBackups("session-1", candidates, 5), 3)
	assert.Empty(t, ElectBackups("session-1", nil, 1))
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	now := start
	assert.True(t, tr.MarkWarned("s1", now))
	assert.False(t, tr.MarkWarned("s1", now.Add(time.Minute)))
	assert.True(t, tr.MarkFallback("s1", StrategyReducedQuorum, now))
	assert.False(t, tr.MarkFallback("s1", StrategyEmergencyRecovery, now))

	st, ok := tr.Get("s1")
	require.True(t, ok)
	assert.Equal(t, StrategyReducedQuorum, st.Fallback)

	tr.MarkWarned("s2", now)
	assert.Equal(t, 1, tr.Prune(map[string]bool{"s2": true}))
	_, ok = tr.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())
}

func TestEmergencyPathLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	st := storage.NewMemoryStore()
	require.NoError(t, st.PutGroup(ctx, &custody.Group{
		ID:                      "family",
		SigningThreshold:        2,
		ReconstructionThreshold: 2,
		Guardians: []custody.Guardian{
			{ID: "alice", Role: custody.RoleGuardian},
			{ID: "bob", Role: custody.RoleGuardian},
			{ID: "dave", Role: custody.RoleBackup},
		},
	}))

	now := start
	paths := NewPaths(st, cfg, session.DefaultRetryPolicy, func() time.Time { return now })
	cs := state(2, 2, []string{"alice"}, []string{"bob"}, nil)

	p, err := paths.Create(ctx, cs, "consensus unreachable")
	require.NoError(t, err)
	assert.Equal(t, start.Add(72*time.Hour), p.UnlocksAt)
	assert.Equal(t, p.UnlocksAt.Add(7*24*time.Hour), p.ExpiresAt)

	_, err = paths.Create(ctx, cs, "again")
	assert.ErrorIs(t, err, custody.ErrInvalidState)

	_, err = paths.Complete(ctx, p.ID)
	assert.ErrorIs(t, err, custody.ErrInvalidState)

	now = start.Add(73 * time.Hour)
	assert.True(t, CanExecute(p, now))
	done, err := paths.Complete(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, custody.EmergencyCompleted, done.Status)

	_, err = paths.Cancel(ctx, p.ID, "bob")
	assert.ErrorIs(t, err, custody.ErrInvalidState)

	cs2 := state(2, 2, []string{"alice"}, []string{"bob"}, nil)
	cs2.SubjectID = "s2"
	p2, err := paths.Create(ctx, cs2, "consensus unreachable")
	require.NoError(t, err)
	_, err = paths.Cancel(ctx, p2.ID, "dave")
	assert.ErrorIs(t, err, custody.ErrUnauthorizedParticipant)
	cancelled, err := paths.Cancel(ctx, p2.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, custody.EmergencyCancelled, cancelled.Status)
	assert.Equal(t, "bob", cancelled.CancelledBy)

	cs3 := state(2, 2, []string{"alice"}, []string{"bob"}, nil)
	cs3.SubjectID = "s3"
	p3, err := paths.Create(ctx, cs3, "consensus unreachable")
	require.NoError(t, err)
	now = now.Add(11 * 24 * time.Hour)
	assert.True(t, HasEmergencyRecoveryExpired(p3, now))
	n, err := paths.ExpirePaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = paths.Complete(ctx, p3.ID)
	assert.ErrorIs(t, err, custody.ErrInvalidState)

	all, err := paths.List(ctx, "family")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEmergencyPath_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	paths := NewPaths(st, defaultConfig(), session.DefaultRetryPolicy, func() time.Time { return start })
	cs := state(2, 2, []string{"alice"}, []string{"bob"}, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = paths.Create(ctx, cs, "consensus unreachable")
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, custody.ErrInvalidState)
	}
	assert.Equal(t, 1, created)
	all, err := paths.List(ctx, "family")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
