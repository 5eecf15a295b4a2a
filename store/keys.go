package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoadKey returns the stored DPoP private JWK, or nil if none was saved.
func (s *Store) LoadKey(ctx context.Context) ([]byte, error) {
	var row configRow
	err := s.db.WithContext(ctx).Where("name = ?", dpopKeyName).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(row.Value), nil
}

// SaveKey stores key unless a key is already present and returns the key
// that ends up persisted.
func (s *Store) SaveKey(ctx context.Context, key []byte) ([]byte, error) {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&configRow{
		Name:  dpopKeyName,
		Value: string(key),
	}).Error
	if err != nil {
		return nil, err
	}

	return s.LoadKey(ctx)
}
