// Package tokens owns each user's OAuth token record: encrypted at rest,
// refreshed ahead of expiry, and refreshed at most once when several
// requests for the same user race.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"time"

	oauth "github.com/streamplace/atproto-oauth-core"
)

const (
	DefaultRefreshBuffer = 300 * time.Second
	DefaultRecheckMargin = 60 * time.Second
)

// Refresher redeems a refresh token at the authorization server of pdsUrl.
type Refresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken, pdsUrl string) (*oauth.TokenSet, error)
}

// Cipher seals token strings for storage.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
	NeedsReencryption(stored string) bool
	Reencrypt(stored string) (string, error)
}

type Options struct {
	// RefreshBuffer is how close to expiry a read triggers a refresh.
	RefreshBuffer time.Duration
	// RecheckMargin is the remaining lifetime under the lease above which a
	// concurrent refresh is assumed to have already happened.
	RecheckMargin time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

type Manager struct {
	store     Store
	cipher    Cipher
	refresher Refresher

	refreshBuffer time.Duration
	recheckMargin time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

func NewManager(store Store, cipher Cipher, refresher Refresher, opts Options) *Manager {
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}

	if opts.RecheckMargin <= 0 {
		opts.RecheckMargin = DefaultRecheckMargin
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		store:         store,
		cipher:        cipher,
		refresher:     refresher,
		refreshBuffer: opts.RefreshBuffer,
		recheckMargin: opts.RecheckMargin,
		now:           opts.Now,
		logger:        opts.Logger.With("component", "tokens"),
	}
}

func (m *Manager) unix() int64 {
	return m.now().Unix()
}

func (m *Manager) load(ctx context.Context, userID int64) (*Record, error) {
	rec, err := m.store.Get(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, &Error{Kind: KindTokenNotFound, UserID: userID}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetAccessToken returns a plaintext access token for userID, refreshing it
// first when it expires within the refresh buffer.
func (m *Manager) GetAccessToken(ctx context.Context, userID int64) (string, error) {
	rec, err := m.load(ctx, userID)
	if err != nil {
		return "", err
	}

	if rec.AccessToken == "" {
		return "", &Error{Kind: KindTokenNotFound, UserID: userID, Msg: "tokens were cleared"}
	}

	if rec.ExpiresAt <= m.unix()+int64(m.refreshBuffer/time.Second) {
		return m.refresh(ctx, userID, rec.ExpiresAt)
	}

	return m.cipher.Decrypt(rec.AccessToken)
}

// RefreshToken refreshes userID's tokens under the user's lease and returns
// the new access token. A token with more than the recheck margin left is
// assumed to have been refreshed by another caller and returned as is. On
// failure the stored record is left as it was.
func (m *Manager) RefreshToken(ctx context.Context, userID int64) (string, error) {
	return m.refresh(ctx, userID, 0)
}

// refresh skips the network call when the record under the lease has more
// than the recheck margin left and its expiry differs from observedExpiry,
// the value the caller saw before taking the lease (0 when unknown).
func (m *Manager) refresh(ctx context.Context, userID int64, observedExpiry int64) (string, error) {
	var access string

	err := m.store.Lease(ctx, userID, func(ctx context.Context, rec *Record) (*Record, error) {
		now := m.unix()

		fresh := rec.AccessToken != "" && rec.ExpiresAt > now+int64(m.recheckMargin/time.Second)
		if fresh && rec.ExpiresAt != observedExpiry {
			plain, err := m.cipher.Decrypt(rec.AccessToken)
			if err != nil {
				return nil, err
			}
			access = plain
			return nil, nil
		}

		if rec.RefreshToken == "" {
			return nil, &Error{Kind: KindRefreshFailed, UserID: userID, Msg: "no refresh token stored"}
		}

		refresh, err := m.cipher.Decrypt(rec.RefreshToken)
		if err != nil {
			return nil, err
		}

		tokens, err := m.refresher.RefreshAccessToken(ctx, refresh, rec.PdsURL)
		if err != nil {
			return nil, err
		}

		if tokens.RefreshToken != "" {
			refresh = tokens.RefreshToken
		}

		updated := *rec
		if updated.AccessToken, err = m.cipher.Encrypt(tokens.AccessToken); err != nil {
			return nil, err
		}
		if updated.RefreshToken, err = m.cipher.Encrypt(refresh); err != nil {
			return nil, err
		}
		updated.ExpiresAt = now + tokens.ExpiresIn
		updated.UpdatedAt = now

		access = tokens.AccessToken
		return &updated, nil
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return "", &Error{Kind: KindTokenNotFound, UserID: userID}
		}

		m.logger.Warn("token refresh failed", "user_id", userID, "err", err)

		if errors.Is(err, ErrRefreshFailed) {
			return "", err
		}
		return "", &Error{Kind: KindRefreshFailed, UserID: userID, Err: err}
	}

	return access, nil
}

// StoreTokens encrypts and upserts the tokens from a completed login.
// refreshToken may be empty.
func (m *Manager) StoreTokens(ctx context.Context, userID int64, did, handle, pdsUrl, accessToken, refreshToken string, expiresIn int64) error {
	encAccess, err := m.cipher.Encrypt(accessToken)
	if err != nil {
		return err
	}

	var encRefresh string
	if refreshToken != "" {
		if encRefresh, err = m.cipher.Encrypt(refreshToken); err != nil {
			return err
		}
	}

	now := m.unix()
	return m.store.Upsert(ctx, &Record{
		UserID:       userID,
		DID:          did,
		Handle:       handle,
		PdsURL:       pdsUrl,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    now + expiresIn,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// IsTokenValid reports whether userID has an unexpired access token. It
// never refreshes.
func (m *Manager) IsTokenValid(ctx context.Context, userID int64) bool {
	rec, err := m.store.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			m.logger.Warn("could not read token record", "user_id", userID, "err", err)
		}
		return false
	}

	return rec.AccessToken != "" && rec.ExpiresAt > m.unix()
}

// ClearTokens nulls the stored tokens on logout. The record itself is kept.
func (m *Manager) ClearTokens(ctx context.Context, userID int64) error {
	err := m.store.ClearTokens(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return &Error{Kind: KindTokenNotFound, UserID: userID}
	}
	return err
}

func (m *Manager) GetUserDID(ctx context.Context, userID int64) (string, error) {
	rec, err := m.load(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.DID, nil
}

func (m *Manager) GetUserPdsURL(ctx context.Context, userID int64) (string, error) {
	rec, err := m.load(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.PdsURL, nil
}

func (m *Manager) GetUserHandle(ctx context.Context, userID int64) (string, error) {
	rec, err := m.load(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.Handle, nil
}

func (m *Manager) FindUserByDID(ctx context.Context, did string) (int64, error) {
	id, err := m.store.FindUserByDID(ctx, did)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, &Error{Kind: KindTokenNotFound, Msg: did}
	}
	return id, err
}

// RotateEncryption re-encrypts every stored token that is not under the
// cipher's current key version and returns how many records changed.
func (m *Manager) RotateEncryption(ctx context.Context) (int, error) {
	ids, err := m.store.UserIDs(ctx)
	if err != nil {
		return 0, err
	}

	rotated := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rotated, err
		}

		changed := false
		err := m.store.Lease(ctx, id, func(ctx context.Context, rec *Record) (*Record, error) {
			updated := *rec

			for _, field := range []*string{&updated.AccessToken, &updated.RefreshToken} {
				if *field == "" || !m.cipher.NeedsReencryption(*field) {
					continue
				}

				v, err := m.cipher.Reencrypt(*field)
				if err != nil {
					return nil, err
				}
				*field = v
				changed = true
			}

			if !changed {
				return nil, nil
			}

			updated.UpdatedAt = m.unix()
			return &updated, nil
		})
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return rotated, err
		}

		if changed {
			rotated++
		}
	}

	m.logger.Info("token rotation finished", "records", len(ids), "rotated", rotated)
	return rotated, nil
}
