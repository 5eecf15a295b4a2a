package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	oauth "github.com/streamplace/atproto-oauth-core"
)

var _ oauth.AttemptStore = (*Store)(nil)

func (s *Store) PutAttempt(ctx context.Context, attempt *oauth.AuthorizationAttempt) error {
	if attempt == nil || attempt.State == "" {
		return errors.New("attempt has no state")
	}

	createdAt := attempt.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	db := s.db.WithContext(ctx)

	// expired attempts are never taken, drop them as new ones arrive
	cutoff := s.now().Add(-s.attemptTTL).Unix()
	if err := db.Where("created_at < ?", cutoff).Delete(&attemptRow{}).Error; err != nil {
		s.logger.Warn("could not prune expired authorization attempts", "err", err)
	}

	return db.Create(&attemptRow{
		State:               attempt.State,
		AuthserverIss:       attempt.AuthServerIss,
		Did:                 attempt.Did,
		Handle:              attempt.Handle,
		PdsUrl:              attempt.PdsUrl,
		PkceVerifier:        attempt.CodeVerifier,
		PkceChallenge:       attempt.CodeChallenge,
		DpopAuthserverNonce: attempt.DpopNonce,
		CreatedAt:           createdAt.Unix(),
	}).Error
}

// TakeAttempt deletes and returns the attempt for state. Only the caller
// whose delete removed the row gets the attempt.
func (s *Store) TakeAttempt(ctx context.Context, state string) (*oauth.AuthorizationAttempt, error) {
	if state == "" {
		return nil, oauth.ErrAttemptNotFound
	}

	var row attemptRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ?", state).Take(&row).Error; err != nil {
			return err
		}

		res := tx.Where("state = ?", state).Delete(&attemptRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, oauth.ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}

	createdAt := time.Unix(row.CreatedAt, 0)
	if s.now().Sub(createdAt) > s.attemptTTL {
		return nil, oauth.ErrAttemptNotFound
	}

	return &oauth.AuthorizationAttempt{
		State:         row.State,
		CodeVerifier:  row.PkceVerifier,
		CodeChallenge: row.PkceChallenge,
		Did:           row.Did,
		Handle:        row.Handle,
		PdsUrl:        row.PdsUrl,
		AuthServerIss: row.AuthserverIss,
		DpopNonce:     row.DpopAuthserverNonce,
		CreatedAt:     createdAt,
	}, nil
}
