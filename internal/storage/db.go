package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"guardian-node/internal/config"
	"guardian-node/internal/custody"
	"guardian-node/internal/logger"
	"guardian-node/internal/storage/models"
)

// DBStore implements Store on a relational database through gorm.
type DBStore struct {
	db *gorm.DB
}

// InitDB opens the postgres connection and migrates the schema.
func InitDB(cfg config.DBConfig) (*DBStore, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, cfg.SSLMode, cfg.TimeZone)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Log.Info("Database connection successfully established.")
	return NewDBStore(db)
}

// NewDBStore wraps an open gorm handle. The handle should be opened with TranslateError so
// unique violations surface as gorm.ErrDuplicatedKey.
func NewDBStore(db *gorm.DB) (*DBStore, error) {
	err := db.AutoMigrate(
		&models.KeyData{},
		&models.KeyShare{},
		&models.SigningSession{},
		&models.NonceRecord{},
		&models.ReconstructionRequest{},
		&models.EmergencyRecoveryPath{},
		&models.ActivePathGuard{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	logger.Log.Info("Database schema migrated.")
	return &DBStore{db: db}, nil
}

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return err
}

func createErr(err error, what, id string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s %s", ErrAlreadyExists, what, id)
	}
	return err
}

// casUpdate writes row only if the stored revision still equals expected.
func (s *DBStore) casUpdate(ctx context.Context, row any, blank any, id string, expected uint64, what string) error {
	res := s.db.WithContext(ctx).Model(row).Where("revision = ?", expected).Select("*").Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if err := s.db.WithContext(ctx).Select("id").First(blank, "id = ?", id).Error; err != nil {
		return notFound(err, what, id)
	}
	return fmt.Errorf("%w: %s %s moved past revision %d", ErrRevisionConflict, what, id, expected)
}

func (s *DBStore) PutGroup(ctx context.Context, g *custody.Group) error {
	if err := g.Validate(); err != nil {
		return err
	}
	row := models.KeyDataFromGroup(g)
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *DBStore) GetGroup(ctx context.Context, id string) (*custody.Group, error) {
	var row models.KeyData
	if err := s.db.WithContext(ctx).First(&row, "group_id = ?", id).Error; err != nil {
		return nil, notFound(err, "group", id)
	}
	return row.Group(), nil
}

func (s *DBStore) CreateSession(ctx context.Context, sess *custody.SigningSession) error {
	row := models.SigningSessionFromDomain(sess)
	return createErr(s.db.WithContext(ctx).Create(&row).Error, "session", sess.ID)
}

func (s *DBStore) GetSession(ctx context.Context, id string) (*custody.SigningSession, error) {
	var row models.SigningSession
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "session", id)
	}
	return row.Session()
}

func (s *DBStore) UpdateSession(ctx context.Context, sess *custody.SigningSession, expected uint64) error {
	row := models.SigningSessionFromDomain(sess)
	row.Revision = expected + 1
	if err := s.casUpdate(ctx, &row, &models.SigningSession{}, sess.ID, expected, "session"); err != nil {
		return err
	}
	sess.Revision = row.Revision
	return nil
}

func (s *DBStore) ListSessions(ctx context.Context, f SessionFilter) ([]*custody.SigningSession, error) {
	q := s.db.WithContext(ctx).Model(&models.SigningSession{})
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if !f.ExpiresBefore.IsZero() {
		q = q.Where("expires_at < ?", f.ExpiresBefore)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	var rows []models.SigningSession
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*custody.SigningSession, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].Session()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *DBStore) DeleteSession(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.SigningSession{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}

func (s *DBStore) InsertNonce(ctx context.Context, n custody.NonceRecord) error {
	row := models.NonceRecordFromDomain(n)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrNonceExists
	}
	return err
}

func (s *DBStore) GetNonce(ctx context.Context, commitment string) (*custody.NonceRecord, error) {
	var row models.NonceRecord
	if err := s.db.WithContext(ctx).First(&row, "commitment = ?", commitment).Error; err != nil {
		return nil, notFound(err, "nonce", commitment)
	}
	return row.Record(), nil
}

func (s *DBStore) ConsumeNonce(ctx context.Context, commitment, sessionID, participant string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.NonceRecord{}).
		Where("commitment = ? AND session_id = ? AND participant = ? AND used = ?", commitment, sessionID, participant, false).
		Updates(map[string]any{"used": true, "used_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	n, err := s.GetNonce(ctx, commitment)
	if err != nil {
		return err
	}
	if !n.Owns(sessionID, participant) {
		return ErrNonceConsumed
	}
	return nil
}

func (s *DBStore) CreateRequest(ctx context.Context, r *custody.ReconstructionRequest) error {
	row := models.ReconstructionRequestFromDomain(r)
	return createErr(s.db.WithContext(ctx).Create(&row).Error, "request", r.ID)
}

func (s *DBStore) GetRequest(ctx context.Context, id string) (*custody.ReconstructionRequest, error) {
	var row models.ReconstructionRequest
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "request", id)
	}
	return row.Request()
}

func (s *DBStore) UpdateRequest(ctx context.Context, r *custody.ReconstructionRequest, expected uint64) error {
	row := models.ReconstructionRequestFromDomain(r)
	row.Revision = expected + 1
	if err := s.casUpdate(ctx, &row, &models.ReconstructionRequest{}, r.ID, expected, "request"); err != nil {
		return err
	}
	r.Revision = row.Revision
	return nil
}

func (s *DBStore) ListRequests(ctx context.Context, f RequestFilter) ([]*custody.ReconstructionRequest, error) {
	q := s.db.WithContext(ctx).Model(&models.ReconstructionRequest{})
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if !f.ExpiresBefore.IsZero() {
		q = q.Where("expires_at < ?", f.ExpiresBefore)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	var rows []models.ReconstructionRequest
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*custody.ReconstructionRequest, 0, len(rows))
	for i := range rows {
		r, err := rows[i].Request()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *DBStore) DeleteRequest(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.ReconstructionRequest{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return nil
}

func (s *DBStore) PutShares(ctx context.Context, shares []custody.GuardianShare) error {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	for i := range shares {
		row, err := models.KeyShareFromDomain(&shares[i])
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("share %d has invalid id: %w", shares[i].Index, err)
		}
		if err := tx.Create(&row).Error; err != nil {
			tx.Rollback()
			return createErr(err, "share", shares[i].ID)
		}
	}
	return tx.Commit().Error
}

func (s *DBStore) ListShares(ctx context.Context, groupID, keyID string) ([]custody.GuardianShare, error) {
	var rows []models.KeyShare
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND key_id = ?", groupID, keyID).
		Order("share_index").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]custody.GuardianShare, len(rows))
	for i := range rows {
		out[i] = rows[i].Share()
	}
	return out, nil
}

func (s *DBStore) CreateEmergencyPath(ctx context.Context, p *custody.EmergencyRecoveryPath) error {
	busy := fmt.Errorf("%w: %s", ErrActivePathExists, p.SubjectID)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var guard models.ActivePathGuard
		err := tx.First(&guard, "subject_id = ?", p.SubjectID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			guard = models.ActivePathGuard{SubjectID: p.SubjectID, PathID: p.ID}
			if err := tx.Create(&guard).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return busy
				}
				return err
			}
		case err != nil:
			return err
		default:
			var prev models.EmergencyRecoveryPath
			err := tx.First(&prev, "id = ?", guard.PathID).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err == nil {
				held, err := prev.Path()
				if err != nil {
					return err
				}
				if holdsSubject(held, p.ActivatedAt) {
					return busy
				}
			}
			res := tx.Model(&models.ActivePathGuard{}).
				Where("subject_id = ? AND path_id = ?", p.SubjectID, guard.PathID).
				Update("path_id", p.ID)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return busy
			}
		}
		row := models.EmergencyRecoveryPathFromDomain(p)
		return createErr(tx.Create(&row).Error, "emergency path", p.ID)
	})
}

func (s *DBStore) GetEmergencyPath(ctx context.Context, id string) (*custody.EmergencyRecoveryPath, error) {
	var row models.EmergencyRecoveryPath
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "emergency path", id)
	}
	return row.Path()
}

func (s *DBStore) UpdateEmergencyPath(ctx context.Context, p *custody.EmergencyRecoveryPath, expected uint64) error {
	row := models.EmergencyRecoveryPathFromDomain(p)
	row.Revision = expected + 1
	if err := s.casUpdate(ctx, &row, &models.EmergencyRecoveryPath{}, p.ID, expected, "emergency path"); err != nil {
		return err
	}
	p.Revision = row.Revision
	return nil
}

func (s *DBStore) ListEmergencyPaths(ctx context.Context, groupID string) ([]*custody.EmergencyRecoveryPath, error) {
	q := s.db.WithContext(ctx).Model(&models.EmergencyRecoveryPath{})
	if groupID != "" {
		q = q.Where("group_id = ?", groupID)
	}
	var rows []models.EmergencyRecoveryPath
	if err := q.Order("activated_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*custody.EmergencyRecoveryPath, 0, len(rows))
	for i := range rows {
		p, err := rows[i].Path()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
