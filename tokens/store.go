package tokens

import (
	"context"
	"errors"
)

var ErrRecordNotFound = errors.New("token record not found")

// Record is the persisted token state of one user. AccessToken and
// RefreshToken hold cipher output; an empty string is a null column.
type Record struct {
	UserID       int64
	DID          string
	Handle       string
	PdsURL       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	CreatedAt    int64
	UpdatedAt    int64
}

// LeaseFunc inspects a record under its user's exclusive lease. Returning a
// non-nil record writes it before the lease is released; returning an error
// discards every change.
type LeaseFunc func(ctx context.Context, rec *Record) (*Record, error)

// Store persists token records. Get, FindUserByDID and Lease return
// ErrRecordNotFound when there is no record.
type Store interface {
	Get(ctx context.Context, userID int64) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
	ClearTokens(ctx context.Context, userID int64) error
	FindUserByDID(ctx context.Context, did string) (int64, error)
	UserIDs(ctx context.Context) ([]int64, error)
	// Lease holds an exclusive per-user lock for the duration of fn. Leases
	// on different users never block each other.
	Lease(ctx context.Context, userID int64, fn LeaseFunc) error
}
