package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/streamplace/atproto-oauth-core/tokens"
)

var _ tokens.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, userID int64) (*tokens.Record, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, tokens.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

// Upsert inserts rec or overwrites every column but created_at.
func (s *Store) Upsert(ctx context.Context, rec *tokens.Record) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"did", "handle", "pds_url", "access_token", "refresh_token", "expires_at", "updated_at",
		}),
	}).Create(toRow(rec)).Error
}

func (s *Store) ClearTokens(ctx context.Context, userID int64) error {
	res := s.db.WithContext(ctx).Model(&tokenRow{}).Where("user_id = ?", userID).Updates(map[string]any{
		"access_token":  nil,
		"refresh_token": nil,
		"expires_at":    nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return tokens.ErrRecordNotFound
	}
	return nil
}

func (s *Store) FindUserByDID(ctx context.Context, did string) (int64, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).Where("did = ?", did).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, tokens.ErrRecordNotFound
	}
	if err != nil {
		return 0, err
	}
	return row.UserID, nil
}

func (s *Store) UserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&tokenRow{}).Order("user_id").Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// Lease claims userID's row before calling fn, so holders in other processes
// sharing the database wait instead of running fn concurrently. The claim
// expires after the lease TTL; an update from a holder whose claim was taken
// over in the meantime fails with ErrLeaseConflict and is not written.
func (s *Store) Lease(ctx context.Context, userID int64, fn tokens.LeaseFunc) error {
	defer s.locks.Lock(userID)()

	owner := uuid.NewString()
	if err := s.claim(ctx, userID, owner); err != nil {
		return err
	}

	rec, err := s.Get(ctx, userID)
	if err != nil {
		s.release(ctx, userID, owner)
		return err
	}

	updated, err := fn(ctx, rec)
	if err != nil || updated == nil {
		s.release(ctx, userID, owner)
		return err
	}

	row := toRow(updated)
	res := s.db.WithContext(context.WithoutCancel(ctx)).Model(&tokenRow{}).
		Where("user_id = ? AND lease_owner = ?", userID, owner).
		Updates(map[string]any{
			"did":           row.Did,
			"handle":        row.Handle,
			"pds_url":       row.PdsUrl,
			"access_token":  row.AccessToken,
			"refresh_token": row.RefreshToken,
			"expires_at":    row.ExpiresAt,
			"updated_at":    row.UpdatedAt,
			"lease_owner":   nil,
			"lease_until":   nil,
		})
	if res.Error != nil {
		s.release(ctx, userID, owner)
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("token lease was taken over before commit", "user_id", userID)
		return ErrLeaseConflict
	}
	return nil
}

// claim marks the row as owned by owner, waiting while an unexpired claim by
// someone else is in place.
func (s *Store) claim(ctx context.Context, userID int64, owner string) error {
	ticker := time.NewTicker(leasePoll)
	defer ticker.Stop()

	for {
		now := s.now()
		res := s.db.WithContext(ctx).Model(&tokenRow{}).
			Where("user_id = ? AND (lease_until IS NULL OR lease_until < ?)", userID, now.UnixMilli()).
			Updates(map[string]any{
				"lease_owner": owner,
				"lease_until": now.Add(s.leaseTTL).UnixMilli(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var n int64
		if err := s.db.WithContext(ctx).Model(&tokenRow{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return tokens.ErrRecordNotFound
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// release drops owner's claim without touching the record. It runs even when
// ctx is already cancelled.
func (s *Store) release(ctx context.Context, userID int64, owner string) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&tokenRow{}).
		Where("user_id = ? AND lease_owner = ?", userID, owner).
		Updates(map[string]any{"lease_owner": nil, "lease_until": nil}).Error
	if err != nil {
		s.logger.Error("failed to release token lease", "user_id", userID, "err", err)
	}
}
