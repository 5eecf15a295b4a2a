package tokens

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	oauth "github.com/streamplace/atproto-oauth-core"
	"github.com/streamplace/atproto-oauth-core/tokencrypt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctx   = context.Background()
	epoch = time.Unix(1_700_000_000, 0)
)

type fakeRefresher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	next  oauth.TokenSet

	mu   sync.Mutex
	seen []string
}

func (f *fakeRefresher) RefreshAccessToken(ctx context.Context, refreshToken, pdsUrl string) (*oauth.TokenSet, error) {
	f.calls.Add(1)

	f.mu.Lock()
	f.seen = append(f.seen, refreshToken+"@"+pdsUrl)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if f.err != nil {
		return nil, f.err
	}

	ts := f.next
	return &ts, nil
}

func testCipher(t *testing.T, current string) *tokencrypt.Encryptor {
	t.Helper()

	ring, err := tokencrypt.NewKeyRing(map[string][]byte{
		"v1": bytes.Repeat([]byte{1}, 32),
		"v2": bytes.Repeat([]byte{2}, 32),
	}, current)
	require.NoError(t, err)

	enc, err := tokencrypt.New(ring)
	require.NoError(t, err)
	return enc
}

func newTestManager(t *testing.T, store Store, refresher Refresher) *Manager {
	return NewManager(store, testCipher(t, "v1"), refresher, Options{
		Now: func() time.Time { return epoch },
	})
}

func TestStoreAndGetAccessToken(t *testing.T) {
	assert := assert.New(t)
	store := NewMemoryStore()
	refresher := &fakeRefresher{}
	m := newTestManager(t, store, refresher)

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "alice.example.com", "https://pds.example.com", "at-1", "rt-1", 3600))

	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(strings.HasPrefix(rec.AccessToken, "v1:"))
	assert.NotContains(rec.AccessToken, "at-1")
	assert.NotContains(rec.RefreshToken, "rt-1")
	assert.Equal(epoch.Unix()+3600, rec.ExpiresAt)

	tok, err := m.GetAccessToken(ctx, 1)
	assert.NoError(err)
	assert.Equal("at-1", tok)
	assert.EqualValues(0, refresher.calls.Load())

	did, _ := m.GetUserDID(ctx, 1)
	assert.Equal("did:plc:abc", did)
	handle, _ := m.GetUserHandle(ctx, 1)
	assert.Equal("alice.example.com", handle)
	pds, _ := m.GetUserPdsURL(ctx, 1)
	assert.Equal("https://pds.example.com", pds)

	id, err := m.FindUserByDID(ctx, "did:plc:abc")
	assert.NoError(err)
	assert.EqualValues(1, id)

	_, err = m.FindUserByDID(ctx, "did:plc:nobody")
	assert.True(errors.Is(err, ErrTokenNotFound))
}

func TestRefreshBufferBoundary(t *testing.T) {
	assert := assert.New(t)

	// one second outside the buffer: no refresh
	store := NewMemoryStore()
	refresher := &fakeRefresher{next: oauth.TokenSet{AccessToken: "at-2", ExpiresIn: 3600}}
	m := newTestManager(t, store, refresher)

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "rt-1", 301))
	tok, err := m.GetAccessToken(ctx, 1)
	assert.NoError(err)
	assert.Equal("at-1", tok)
	assert.EqualValues(0, refresher.calls.Load())

	// exactly at the buffer: refresh
	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "rt-1", 300))
	tok, err = m.GetAccessToken(ctx, 1)
	assert.NoError(err)
	assert.Equal("at-2", tok)
	assert.EqualValues(1, refresher.calls.Load())
	assert.Equal([]string{"rt-1@https://pds.example.com"}, refresher.seen)
}

func TestRefreshPersistsNewTokens(t *testing.T) {
	assert := assert.New(t)
	store := NewMemoryStore()
	refresher := &fakeRefresher{next: oauth.TokenSet{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresIn: 30}}
	m := newTestManager(t, store, refresher)

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "rt-1", 10))

	tok, err := m.RefreshToken(ctx, 1)
	require.NoError(t, err)
	assert.Equal("at-2", tok)

	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(epoch.Unix()+30, rec.ExpiresAt)

	enc := testCipher(t, "v1")
	rt, err := enc.Decrypt(rec.RefreshToken)
	assert.NoError(err)
	assert.Equal("rt-2", rt)

	// a response without a refresh token keeps the stored one
	refresher.next = oauth.TokenSet{AccessToken: "at-3", ExpiresIn: 10}
	tok, err = m.RefreshToken(ctx, 1)
	require.NoError(t, err)
	assert.Equal("at-3", tok)
	assert.EqualValues(2, refresher.calls.Load())

	rec, _ = store.Get(ctx, 1)
	rt, _ = enc.Decrypt(rec.RefreshToken)
	assert.Equal("rt-2", rt)
	assert.Equal([]string{"rt-1@https://pds.example.com", "rt-2@https://pds.example.com"}, refresher.seen)
}

func TestRefreshTokenSkipsFreshToken(t *testing.T) {
	assert := assert.New(t)
	store := NewMemoryStore()
	refresher := &fakeRefresher{}
	m := newTestManager(t, store, refresher)

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "rt-1", 61))

	tok, err := m.RefreshToken(ctx, 1)
	assert.NoError(err)
	assert.Equal("at-1", tok)
	assert.EqualValues(0, refresher.calls.Load())
}

func TestRefreshOnceUnderContention(t *testing.T) {
	assert := assert.New(t)
	store := NewMemoryStore()
	refresher := &fakeRefresher{
		delay: 20 * time.Millisecond,
		next:  oauth.TokenSet{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresIn: 3600},
	}
	m := newTestManager(t, store, refresher)

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "rt-1", 5))

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.GetAccessToken(ctx, 1)
		}()
	}
	wg.Wait()

	assert.EqualValues(1, refresher.calls.Load())
	for i := range results {
		assert.NoError(errs[i])
		assert.Equal("at-2", results[i])
	}
}

func TestRefreshFailureLeavesRecord(t *testing.T) {
	assert := assert.New(t)
	store := NewMemoryStore()
	refresher := &fakeRefresher{err: &oauth.Error{Kind: oauth.KindRefreshFailed, Msg: "invalid_grant"}}
	m := newTestManager(t, store, refresher)

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "rt-1", 5))
	before, _ := store.Get(ctx, 1)

	_, err := m.GetAccessToken(ctx, 1)
	assert.True(errors.Is(err, ErrRefreshFailed))
	assert.True(errors.Is(err, oauth.ErrRefreshFailed))

	after, _ := store.Get(ctx, 1)
	assert.Equal(before, after)
}

// commitFailStore fails every write made through a lease.
type commitFailStore struct {
	*MemoryStore
}

func (s commitFailStore) Lease(ctx context.Context, userID int64, fn LeaseFunc) error {
	return s.MemoryStore.Lease(ctx, userID, func(ctx context.Context, rec *Record) (*Record, error) {
		updated, err := fn(ctx, rec)
		if err != nil {
			return nil, err
		}
		if updated != nil {
			return nil, errors.New("database is locked")
		}
		return nil, nil
	})
}

func TestRefreshStoreFailure(t *testing.T) {
	assert := assert.New(t)
	store := commitFailStore{NewMemoryStore()}
	m := newTestManager(t, store, &fakeRefresher{next: oauth.TokenSet{AccessToken: "at-2", ExpiresIn: 3600}})

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "rt-1", 5))
	before, _ := store.Get(ctx, 1)

	_, err := m.RefreshToken(ctx, 1)
	assert.True(errors.Is(err, ErrRefreshFailed))

	after, _ := store.Get(ctx, 1)
	assert.Equal(before, after)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	store := NewMemoryStore()
	refresher := &fakeRefresher{}
	m := newTestManager(t, store, refresher)

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "", 5))

	_, err := m.GetAccessToken(ctx, 1)
	assert.True(t, errors.Is(err, ErrRefreshFailed))
	assert.EqualValues(t, 0, refresher.calls.Load())
}

func TestClearTokens(t *testing.T) {
	assert := assert.New(t)
	store := NewMemoryStore()
	m := newTestManager(t, store, &fakeRefresher{})

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "alice.example.com", "https://pds.example.com", "at-1", "rt-1", 3600))
	assert.True(m.IsTokenValid(ctx, 1))

	require.NoError(t, m.ClearTokens(ctx, 1))
	assert.False(m.IsTokenValid(ctx, 1))

	_, err := m.GetAccessToken(ctx, 1)
	assert.True(errors.Is(err, ErrTokenNotFound))

	// the record itself survives
	did, err := m.GetUserDID(ctx, 1)
	assert.NoError(err)
	assert.Equal("did:plc:abc", did)

	assert.True(errors.Is(m.ClearTokens(ctx, 2), ErrTokenNotFound))
}

func TestMissingRecord(t *testing.T) {
	assert := assert.New(t)
	m := newTestManager(t, NewMemoryStore(), &fakeRefresher{})

	_, err := m.GetAccessToken(ctx, 42)
	assert.True(errors.Is(err, ErrTokenNotFound))

	_, err = m.RefreshToken(ctx, 42)
	assert.True(errors.Is(err, ErrTokenNotFound))

	assert.False(m.IsTokenValid(ctx, 42))

	var tokErr *Error
	require.True(t, errors.As(err, &tokErr))
	assert.EqualValues(42, tokErr.UserID)
}

func TestIsTokenValidExpiry(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, store, &fakeRefresher{})

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "rt-1", 0))
	assert.False(t, m.IsTokenValid(ctx, 1))

	require.NoError(t, m.StoreTokens(ctx, 1, "did:plc:abc", "", "https://pds.example.com", "at-1", "rt-1", 1))
	assert.True(t, m.IsTokenValid(ctx, 1))
}

func TestRotateEncryption(t *testing.T) {
	assert := assert.New(t)
	store := NewMemoryStore()

	old := newTestManager(t, store, &fakeRefresher{})
	require.NoError(t, old.StoreTokens(ctx, 1, "did:plc:a", "", "https://pds.example.com", "at-a", "rt-a", 3600))
	require.NoError(t, old.StoreTokens(ctx, 2, "did:plc:b", "", "https://pds.example.com", "at-b", "", 3600))

	rotatedCipher := testCipher(t, "v2")
	m := NewManager(store, rotatedCipher, &fakeRefresher{}, Options{Now: func() time.Time { return epoch }})

	n, err := m.RotateEncryption(ctx)
	assert.NoError(err)
	assert.Equal(2, n)

	for _, id := range []int64{1, 2} {
		rec, _ := store.Get(ctx, id)
		assert.True(strings.HasPrefix(rec.AccessToken, "v2:"))
		assert.False(rotatedCipher.NeedsReencryption(rec.AccessToken))
	}

	rec, _ := store.Get(ctx, 2)
	assert.Empty(rec.RefreshToken)

	tok, err := m.GetAccessToken(ctx, 1)
	assert.NoError(err)
	assert.Equal("at-a", tok)

	n, err = m.RotateEncryption(ctx)
	assert.NoError(err)
	assert.Equal(0, n)
}
