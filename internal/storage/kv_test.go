package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-node/internal/custody"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": b,
	}
}

func newSession(id string, now time.Time) *custody.SigningSession {
	return &custody.SigningSession{
		ID:                id,
		GroupID:           "family",
		Participants:      []string{"alice", "bob", "carol"},
		Threshold:         2,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
		NonceCommitments:  map[string]string{},
		PartialSignatures: map[string]string{},
		Status:            custody.SessionPending,
		UpdatedAt:         now,
	}
}

func TestStore_SessionCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := newSession("s1", now)
			require.NoError(t, st.CreateSession(ctx, sess))
			assert.ErrorIs(t, st.CreateSession(ctx, sess), ErrAlreadyExists)

			a, err := st.GetSession(ctx, "s1")
			require.NoError(t, err)
			b, err := st.GetSession(ctx, "s1")
			require.NoError(t, err)

			a.Status = custody.SessionNonceCollection
			require.NoError(t, st.UpdateSession(ctx, a, a.Revision))
			assert.Equal(t, uint64(1), a.Revision)

			b.Status = custody.SessionFailed
			err = st.UpdateSession(ctx, b, b.Revision)
			assert.ErrorIs(t, err, ErrRevisionConflict)
			assert.True(t, custody.IsRetryable(err))

			got, err := st.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, custody.SessionNonceCollection, got.Status)

			_, err = st.GetSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			err = st.UpdateSession(ctx, newSession("missing", now), 0)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ConcurrentUpdateSingleWinner(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CreateSession(ctx, newSession("s1", now)))

			const writers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s, err := st.GetSession(ctx, "s1")
					if err != nil {
						return
					}
					if s.Revision != 0 {
						return
					}
					s.Status = custody.SessionAggregating
					if st.UpdateSession(ctx, s, 0) == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestStore_NonceUniquenessAndConsume(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := custody.NonceRecord{Commitment: "02aa", SessionID: "s1", Participant: "alice", CreatedAt: now}
			require.NoError(t, st.InsertNonce(ctx, rec))

			other := rec
			other.SessionID = "s2"
			assert.ErrorIs(t, st.InsertNonce(ctx, other), ErrNonceExists)

			require.NoError(t, st.ConsumeNonce(ctx, "02aa", "s1", "alice", now))
			require.NoError(t, st.ConsumeNonce(ctx, "02aa", "s1", "alice", now.Add(time.Second)))
			assert.ErrorIs(t, st.ConsumeNonce(ctx, "02aa", "s2", "alice", now), ErrNonceConsumed)
			assert.ErrorIs(t, st.ConsumeNonce(ctx, "02bb", "s1", "alice", now), ErrNotFound)

			got, err := st.GetNonce(ctx, "02aa")
			require.NoError(t, err)
			assert.True(t, got.Used)
			require.NotNil(t, got.UsedAt)
			assert.True(t, got.UsedAt.Equal(now))
		})
	}
}

func TestStore_ConcurrentNonceInsert(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			var mu sync.Mutex
			accepted := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec := custody.NonceRecord{Commitment: "03cc", SessionID: fmt.Sprintf("s%d", i), Participant: "bob"}
					for attempt := 0; attempt < 5; attempt++ {
						err := st.InsertNonce(ctx, rec)
						if custody.IsRetryable(err) {
							continue
						}
						if err == nil {
							mu.Lock()
							accepted++
							mu.Unlock()
						}
						return
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, accepted)
		})
	}
}

func TestStore_ActiveEmergencyPathPerSubject(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	path := func(id string, at time.Time) *custody.EmergencyRecoveryPath {
		return &custody.EmergencyRecoveryPath{
			ID:          id,
			GroupID:     "family",
			SubjectID:   "s1",
			SubjectKind: custody.SubjectSigningSession,
			Status:      custody.EmergencyActive,
			ActivatedAt: at,
			UnlocksAt:   at.Add(time.Hour),
			ExpiresAt:   at.Add(2 * time.Hour),
			UpdatedAt:   at,
		}
	}
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			var mu sync.Mutex
			created := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					p := path(fmt.Sprintf("p%d", i), now)
					for attempt := 0; attempt < 5; attempt++ {
						err := st.CreateEmergencyPath(ctx, p)
						if custody.IsRetryable(err) {
							continue
						}
						if err == nil {
							mu.Lock()
							created++
							mu.Unlock()
						} else {
							assert.ErrorIs(t, err, ErrActivePathExists)
						}
						return
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, created)

			all, err := st.ListEmergencyPaths(ctx, "family")
			require.NoError(t, err)
			require.Len(t, all, 1)

			// a lapsed path no longer holds the subject
			require.NoError(t, st.CreateEmergencyPath(ctx, path("late", now.Add(3*time.Hour))))

			late, err := st.GetEmergencyPath(ctx, "late")
			require.NoError(t, err)
			late.Status = custody.EmergencyCancelled
			require.NoError(t, st.UpdateEmergencyPath(ctx, late, late.Revision))
			require.NoError(t, st.CreateEmergencyPath(ctx, path("after-cancel", now.Add(3*time.Hour))))
			assert.ErrorIs(t, st.CreateEmergencyPath(ctx, path("again", now.Add(3*time.Hour))), ErrActivePathExists)
		})
	}
}

func TestStore_ListSessionsFilter(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			old := newSession("old", now.Add(-2*time.Hour))
			done := newSession("done", now)
			done.Status = custody.SessionCompleted
			fresh := newSession("fresh", now)
			for _, s := range []*custody.SigningSession{old, done, fresh} {
				require.NoError(t, st.CreateSession(ctx, s))
			}

			open, err := st.ListSessions(ctx, SessionFilter{
				Statuses:      []custody.SessionStatus{custody.SessionPending},
				ExpiresBefore: now,
			})
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.Equal(t, "old", open[0].ID)

			all, err := st.ListSessions(ctx, SessionFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, st.DeleteSession(ctx, "done"))
			assert.ErrorIs(t, st.DeleteSession(ctx, "done"), ErrNotFound)
		})
	}
}

func TestStore_SharesAndRequests(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			shares := []custody.GuardianShare{
				{ID: "b", GroupID: "family", KeyID: "k1", GuardianID: "bob", Index: 2, Threshold: 2, TotalShares: 2},
				{ID: "a", GroupID: "family", KeyID: "k1", GuardianID: "alice", Index: 1, Threshold: 2, TotalShares: 2},
			}
			require.NoError(t, st.PutShares(ctx, shares))
			assert.ErrorIs(t, st.PutShares(ctx, shares[:1]), ErrAlreadyExists)

			got, err := st.ListShares(ctx, "family", "k1")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, 1, got[0].Index)
			assert.Equal(t, "alice", got[0].GuardianID)

			none, err := st.ListShares(ctx, "family", "k2")
			require.NoError(t, err)
			assert.Empty(t, none)

			req := &custody.ReconstructionRequest{
				ID: "r1", GroupID: "family", KeyID: "k1", Reason: custody.ReasonRecovery,
				RequiredThreshold: 2, Status: custody.RequestPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
			}
			require.NoError(t, st.CreateRequest(ctx, req))
			req.Responses = append(req.Responses, custody.GuardianResponse{GuardianID: "alice", ProvidedShare: true, ShareIndices: []int{1}})
			require.NoError(t, st.UpdateRequest(ctx, req, 0))
			assert.ErrorIs(t, st.UpdateRequest(ctx, req, 0), ErrRevisionConflict)

			loaded, err := st.GetRequest(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, 1, loaded.SupplierCount())
		})
	}
}

func TestStore_FailedUpdateWritesNothing(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	shares := []custody.GuardianShare{
		{ID: "a", GroupID: "g", KeyID: "k", Index: 1},
		{ID: "a2", GroupID: "g", KeyID: "k", Index: 1},
	}
	assert.ErrorIs(t, st.PutShares(ctx, shares), ErrAlreadyExists)
	got, err := st.ListShares(ctx, "g", "k")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_GroupValidation(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	assert.ErrorIs(t, st.PutGroup(ctx, &custody.Group{ID: "g"}), custody.ErrInvalidConfiguration)

	g := &custody.Group{
		ID:                      "g",
		SigningThreshold:        2,
		ReconstructionThreshold: 2,
		Guardians: []custody.Guardian{
			{ID: "alice", Role: custody.RoleSteward},
			{ID: "bob", Role: custody.RoleGuardian},
			{ID: "carol", Role: custody.RoleBackup},
		},
	}
	require.NoError(t, st.PutGroup(ctx, g))
	got, err := st.GetGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.Members())
	assert.Equal(t, []string{"carol"}, got.Backups())
}
