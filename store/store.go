// Package store persists token records, the DPoP signing key and pending
// authorization attempts in SQLite through gorm.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	oauth "github.com/streamplace/atproto-oauth-core"
	"github.com/streamplace/atproto-oauth-core/internal/helpers"
	"github.com/streamplace/atproto-oauth-core/tokens"
)

// ErrLeaseConflict is returned when a lease outlived its TTL and another
// holder claimed the record before the update was written.
var ErrLeaseConflict = errors.New("token record lease was taken over")

const (
	dpopKeyName = "dpop_keypair"

	DefaultLeaseTTL = 30 * time.Second
	leasePoll       = 25 * time.Millisecond
)

type tokenRow struct {
	UserID       int64  `gorm:"primaryKey;autoIncrement:false"`
	Did          string `gorm:"index"`
	Handle       string
	PdsUrl       string
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *int64
	CreatedAt    int64 `gorm:"autoCreateTime:false"`
	UpdatedAt    int64 `gorm:"autoUpdateTime:false"`
	// set while a lease holder owns the row; LeaseUntil is unix millis
	LeaseOwner *string
	LeaseUntil *int64
}

func (tokenRow) TableName() string { return "atproto_users" }

type configRow struct {
	Name  string `gorm:"primaryKey"`
	Value string
}

func (configRow) TableName() string { return "atproto_config" }

type attemptRow struct {
	State               string `gorm:"primaryKey"`
	AuthserverIss       string
	Did                 string `gorm:"index"`
	Handle              string
	PdsUrl              string
	PkceVerifier        string
	PkceChallenge       string
	DpopAuthserverNonce string
	CreatedAt           int64 `gorm:"index;autoCreateTime:false"`
}

func (attemptRow) TableName() string { return "oauth_requests" }

type Options struct {
	// AttemptTTL bounds how long an authorization attempt can be taken.
	AttemptTTL time.Duration
	// LeaseTTL is how long a token lease blocks other holders before it is
	// considered abandoned. It must outlast a refresh round trip.
	LeaseTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Store implements tokens.Store, oauth.AttemptStore and dpop.KeyStore on a
// single SQLite database.
type Store struct {
	db         *gorm.DB
	attemptTTL time.Duration
	leaseTTL   time.Duration
	now        func() time.Time
	logger     *slog.Logger

	locks helpers.KeyedMutex[int64]
}

// Open opens (creating if needed) the SQLite database at path and migrates
// its tables. Use ":memory:" for a throwaway database.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: slogGorm.New(slogGorm.WithLogger(opts.Logger)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqldb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
		return nil, fmt.Errorf("failed to set synchronous=normal: %w", err)
	}

	if err := db.Exec("PRAGMA busy_timeout=5000;").Error; err != nil {
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	return New(db, opts)
}

// New wraps an already opened database.
func New(db *gorm.DB, opts Options) (*Store, error) {
	if opts.AttemptTTL <= 0 {
		opts.AttemptTTL = oauth.DefaultAttemptTTL
	}

	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := db.AutoMigrate(&tokenRow{}, &configRow{}, &attemptRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	return &Store{
		db:         db,
		attemptTTL: opts.AttemptTTL,
		leaseTTL:   opts.LeaseTTL,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "store"),
	}, nil
}

// DB exposes the underlying handle so a host can keep its own tables in the
// same database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func toRow(rec *tokens.Record) *tokenRow {
	row := &tokenRow{
		UserID:       rec.UserID,
		Did:          rec.DID,
		Handle:       rec.Handle,
		PdsUrl:       rec.PdsURL,
		AccessToken:  nullable(rec.AccessToken),
		RefreshToken: nullable(rec.RefreshToken),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}

	if rec.AccessToken != "" || rec.ExpiresAt != 0 {
		exp := rec.ExpiresAt
		row.ExpiresAt = &exp
	}

	return row
}

func (row *tokenRow) record() *tokens.Record {
	return &tokens.Record{
		UserID:       row.UserID,
		DID:          row.Did,
		Handle:       row.Handle,
		PdsURL:       row.PdsUrl,
		AccessToken:  deref(row.AccessToken),
		RefreshToken: deref(row.RefreshToken),
		ExpiresAt:    deref(row.ExpiresAt),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}
