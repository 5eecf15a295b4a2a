// Package postgres is a tokens.Store and dpop.KeyStore backed by PostgreSQL.
// Refresh leases hold a row lock (SELECT ... FOR UPDATE) for their whole
// duration, so they serialize across processes sharing the database.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/streamplace/atproto-oauth-core/tokens"
)

//go:embed migrations/*.sql
var migrations embed.FS

const dpopKeyName = "dpop_keypair"

const recordColumns = `user_id, did, handle, pds_url, access_token, refresh_token, expires_at, created_at, updated_at`

var _ tokens.Store = (*Store)(nil)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return New(db, logger), nil
}

// Migrate runs the embedded goose migrations against db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "postgres")}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*tokens.Record, error) {
	var (
		rec             tokens.Record
		access, refresh sql.NullString
		expiresAt       sql.NullInt64
	)

	err := row.Scan(&rec.UserID, &rec.DID, &rec.Handle, &rec.PdsURL, &access, &refresh, &expiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tokens.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.AccessToken = access.String
	rec.RefreshToken = refresh.String
	rec.ExpiresAt = expiresAt.Int64
	return &rec, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullExpiry(rec *tokens.Record) sql.NullInt64 {
	return sql.NullInt64{Int64: rec.ExpiresAt, Valid: rec.AccessToken != "" || rec.ExpiresAt != 0}
}

func (s *Store) Get(ctx context.Context, userID int64) (*tokens.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM atproto_users WHERE user_id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, userID))
	if err != nil && !errors.Is(err, tokens.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}
	return rec, err
}

func (s *Store) Upsert(ctx context.Context, rec *tokens.Record) error {
	query := `
		INSERT INTO atproto_users (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			did = EXCLUDED.did,
			handle = EXCLUDED.handle,
			pds_url = EXCLUDED.pds_url,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		rec.UserID, rec.DID, rec.Handle, rec.PdsURL,
		nullString(rec.AccessToken), nullString(rec.RefreshToken), nullExpiry(rec),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert token record: %w", err)
	}
	return nil
}

func (s *Store) ClearTokens(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE atproto_users SET access_token = NULL, refresh_token = NULL, expires_at = NULL WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tokens.ErrRecordNotFound
	}
	return nil
}

func (s *Store) FindUserByDID(ctx context.Context, did string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM atproto_users WHERE did = $1 ORDER BY user_id LIMIT 1`, did).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, tokens.ErrRecordNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find user by DID: %w", err)
	}
	return id, nil
}

func (s *Store) UserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM atproto_users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Lease locks userID's row for the duration of fn. The update fn returns is
// written in the same transaction; any error rolls everything back.
func (s *Store) Lease(ctx context.Context, userID int64, fn tokens.LeaseFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.Error("failed to rollback transaction", "user_id", userID, "err", rollbackErr)
		}
	}()

	query := `SELECT ` + recordColumns + ` FROM atproto_users WHERE user_id = $1 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, userID))
	if err != nil {
		return err
	}

	updated, err := fn(ctx, rec)
	if err != nil {
		return err
	}

	if updated != nil {
		_, err := tx.ExecContext(ctx, `
			UPDATE atproto_users
			SET did = $2, handle = $3, pds_url = $4, access_token = $5, refresh_token = $6, expires_at = $7, updated_at = $8
			WHERE user_id = $1`,
			userID, updated.DID, updated.Handle, updated.PdsURL,
			nullString(updated.AccessToken), nullString(updated.RefreshToken), nullExpiry(updated),
			updated.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update token record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) LoadKey(ctx context.Context) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM atproto_config WHERE name = $1`, dpopKeyName).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dpop key: %w", err)
	}
	return []byte(value), nil
}

func (s *Store) SaveKey(ctx context.Context, key []byte) ([]byte, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO atproto_config (name, value) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, dpopKeyName, string(key))
	if err != nil {
		return nil, fmt.Errorf("failed to save dpop key: %w", err)
	}
	return s.LoadKey(ctx)
}
