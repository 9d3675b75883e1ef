package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"guardian-node/internal/custody"
)

// kvTxn is a read-write view inside one atomic transaction.
type kvTxn interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// kvBackend runs functions atomically. Update either applies every write of fn or none.
type kvBackend interface {
	View(fn func(kvTxn) error) error
	Update(fn func(kvTxn) error) error
	Close() error
}

const (
	groupPrefix     = "group/"
	sessionPrefix   = "session/"
	noncePrefix     = "nonce/"
	requestPrefix   = "request/"
	sharePrefix     = "share/"
	emergencyPrefix = "emergency/"
	// activePrefix maps a subject to the id of its latest emergency path.
	activePrefix = "emergency-active/"
)

func shareKey(groupID, keyID string, index int) string {
	return fmt.Sprintf("%s%s/%s/%02d", sharePrefix, groupID, keyID, index)
}

// KVStore implements Store over an ordered key-value backend, one JSON document per record.
type KVStore struct {
	kv kvBackend
}

func newKVStore(kv kvBackend) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Close() error { return s.kv.Close() }

func getJSON(txn kvTxn, key string, v any) error {
	raw, err := txn.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("corrupt record %s: %w", key, err)
	}
	return nil
}

func setJSON(txn kvTxn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

func exists(txn kvTxn, key string) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *KVStore) PutGroup(ctx context.Context, g *custody.Group) error {
	if err := g.Validate(); err != nil {
		return err
	}
	return s.kv.Update(func(txn kvTxn) error {
		return setJSON(txn, groupPrefix+g.ID, g)
	})
}

func (s *KVStore) GetGroup(ctx context.Context, id string) (*custody.Group, error) {
	var g custody.Group
	err := s.kv.View(func(txn kvTxn) error {
		return getJSON(txn, groupPrefix+id, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *KVStore) CreateSession(ctx context.Context, sess *custody.SigningSession) error {
	return s.kv.Update(func(txn kvTxn) error {
		ok, err := exists(txn, sessionPrefix+sess.ID)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: session %s", ErrAlreadyExists, sess.ID)
		}
		return setJSON(txn, sessionPrefix+sess.ID, sess)
	})
}

func (s *KVStore) GetSession(ctx context.Context, id string) (*custody.SigningSession, error) {
	var sess custody.SigningSession
	err := s.kv.View(func(txn kvTxn) error {
		return getJSON(txn, sessionPrefix+id, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *KVStore) UpdateSession(ctx context.Context, sess *custody.SigningSession, expected uint64) error {
	next := *sess
	next.Revision = expected + 1
	err := s.kv.Update(func(txn kvTxn) error {
		var cur custody.SigningSession
		if err := getJSON(txn, sessionPrefix+sess.ID, &cur); err != nil {
			return err
		}
		if cur.Revision != expected {
			return fmt.Errorf("%w: session %s at revision %d, expected %d", ErrRevisionConflict, sess.ID, cur.Revision, expected)
		}
		return setJSON(txn, sessionPrefix+sess.ID, &next)
	})
	if err != nil {
		return err
	}
	sess.Revision = next.Revision
	return nil
}

func (s *KVStore) ListSessions(ctx context.Context, f SessionFilter) ([]*custody.SigningSession, error) {
	var out []*custody.SigningSession
	err := s.kv.View(func(txn kvTxn) error {
		return txn.Scan(sessionPrefix, func(key string, raw []byte) error {
			var sess custody.SigningSession
			if err := json.Unmarshal(raw, &sess); err != nil {
				return fmt.Errorf("corrupt record %s: %w", key, err)
			}
			if f.match(&sess) {
				out = append(out, &sess)
			}
			return nil
		})
	})
	return out, err
}

func (s *KVStore) DeleteSession(ctx context.Context, id string) error {
	return s.kv.Update(func(txn kvTxn) error {
		return txn.Delete(sessionPrefix + id)
	})
}

func (s *KVStore) InsertNonce(ctx context.Context, n custody.NonceRecord) error {
	return s.kv.Update(func(txn kvTxn) error {
		ok, err := exists(txn, noncePrefix+n.Commitment)
		if err != nil {
			return err
		}
		if ok {
			return ErrNonceExists
		}
		return setJSON(txn, noncePrefix+n.Commitment, &n)
	})
}

func (s *KVStore) GetNonce(ctx context.Context, commitment string) (*custody.NonceRecord, error) {
	var n custody.NonceRecord
	err := s.kv.View(func(txn kvTxn) error {
		return getJSON(txn, noncePrefix+commitment, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *KVStore) ConsumeNonce(ctx context.Context, commitment, sessionID, participant string, at time.Time) error {
	return s.kv.Update(func(txn kvTxn) error {
		var n custody.NonceRecord
		if err := getJSON(txn, noncePrefix+commitment, &n); err != nil {
			return err
		}
		if !n.Owns(sessionID, participant) {
			return ErrNonceConsumed
		}
		if n.Used {
			return nil
		}
		n.Used = true
		n.UsedAt = &at
		return setJSON(txn, noncePrefix+commitment, &n)
	})
}

func (s *KVStore) CreateRequest(ctx context.Context, r *custody.ReconstructionRequest) error {
	return s.kv.Update(func(txn kvTxn) error {
		ok, err := exists(txn, requestPrefix+r.ID)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: request %s", ErrAlreadyExists, r.ID)
		}
		return setJSON(txn, requestPrefix+r.ID, r)
	})
}

func (s *KVStore) GetRequest(ctx context.Context, id string) (*custody.ReconstructionRequest, error) {
	var r custody.ReconstructionRequest
	err := s.kv.View(func(txn kvTxn) error {
		return getJSON(txn, requestPrefix+id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *KVStore) UpdateRequest(ctx context.Context, r *custody.ReconstructionRequest, expected uint64) error {
	next := *r
	next.Revision = expected + 1
	err := s.kv.Update(func(txn kvTxn) error {
		var cur custody.ReconstructionRequest
		if err := getJSON(txn, requestPrefix+r.ID, &cur); err != nil {
			return err
		}
		if cur.Revision != expected {
			return fmt.Errorf("%w: request %s at revision %d, expected %d", ErrRevisionConflict, r.ID, cur.Revision, expected)
		}
		return setJSON(txn, requestPrefix+r.ID, &next)
	})
	if err != nil {
		return err
	}
	r.Revision = next.Revision
	return nil
}

func (s *KVStore) ListRequests(ctx context.Context, f RequestFilter) ([]*custody.ReconstructionRequest, error) {
	var out []*custody.ReconstructionRequest
	err := s.kv.View(func(txn kvTxn) error {
		return txn.Scan(requestPrefix, func(key string, raw []byte) error {
			var r custody.ReconstructionRequest
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("corrupt record %s: %w", key, err)
			}
			if f.match(&r) {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *KVStore) DeleteRequest(ctx context.Context, id string) error {
	return s.kv.Update(func(txn kvTxn) error {
		return txn.Delete(requestPrefix + id)
	})
}

func (s *KVStore) PutShares(ctx context.Context, shares []custody.GuardianShare) error {
	return s.kv.Update(func(txn kvTxn) error {
		for i := range shares {
			sh := &shares[i]
			key := shareKey(sh.GroupID, sh.KeyID, sh.Index)
			ok, err := exists(txn, key)
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("%w: share %d of key %s", ErrAlreadyExists, sh.Index, sh.KeyID)
			}
			if err := setJSON(txn, key, sh); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *KVStore) ListShares(ctx context.Context, groupID, keyID string) ([]custody.GuardianShare, error) {
	var out []custody.GuardianShare
	err := s.kv.View(func(txn kvTxn) error {
		return txn.Scan(fmt.Sprintf("%s%s/%s/", sharePrefix, groupID, keyID), func(key string, raw []byte) error {
			var sh custody.GuardianShare
			if err := json.Unmarshal(raw, &sh); err != nil {
				return fmt.Errorf("corrupt record %s: %w", key, err)
			}
			out = append(out, sh)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, err
}

func (s *KVStore) CreateEmergencyPath(ctx context.Context, p *custody.EmergencyRecoveryPath) error {
	return s.kv.Update(func(txn kvTxn) error {
		ok, err := exists(txn, emergencyPrefix+p.ID)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: emergency path %s", ErrAlreadyExists, p.ID)
		}
		holder, err := txn.Get(activePrefix + p.SubjectID)
		switch {
		case err == nil:
			var prev custody.EmergencyRecoveryPath
			err := getJSON(txn, emergencyPrefix+string(holder), &prev)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil && holdsSubject(&prev, p.ActivatedAt) {
				return fmt.Errorf("%w: %s holds %s", ErrActivePathExists, p.SubjectID, prev.ID)
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if err := txn.Set(activePrefix+p.SubjectID, []byte(p.ID)); err != nil {
			return err
		}
		return setJSON(txn, emergencyPrefix+p.ID, p)
	})
}

func (s *KVStore) GetEmergencyPath(ctx context.Context, id string) (*custody.EmergencyRecoveryPath, error) {
	var p custody.EmergencyRecoveryPath
	err := s.kv.View(func(txn kvTxn) error {
		return getJSON(txn, emergencyPrefix+id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *KVStore) UpdateEmergencyPath(ctx context.Context, p *custody.EmergencyRecoveryPath, expected uint64) error {
	next := *p
	next.Revision = expected + 1
	err := s.kv.Update(func(txn kvTxn) error {
		var cur custody.EmergencyRecoveryPath
		if err := getJSON(txn, emergencyPrefix+p.ID, &cur); err != nil {
			return err
		}
		if cur.Revision != expected {
			return fmt.Errorf("%w: emergency path %s at revision %d, expected %d", ErrRevisionConflict, p.ID, cur.Revision, expected)
		}
		return setJSON(txn, emergencyPrefix+p.ID, &next)
	})
	if err != nil {
		return err
	}
	p.Revision = next.Revision
	return nil
}

func (s *KVStore) ListEmergencyPaths(ctx context.Context, groupID string) ([]*custody.EmergencyRecoveryPath, error) {
	var out []*custody.EmergencyRecoveryPath
	err := s.kv.View(func(txn kvTxn) error {
		return txn.Scan(emergencyPrefix, func(key string, raw []byte) error {
			var p custody.EmergencyRecoveryPath
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("corrupt record %s: %w", key, err)
			}
			if groupID == "" || p.GroupID == groupID {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}
