package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	atpidentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/streamplace/atproto-oauth-core/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func didDoc(did, pds string) string {
	return fmt.Sprintf(`{
		"@context": ["https://www.w3.org/ns/did/v1"],
		"id": %q,
		"alsoKnownAs": ["at://alice.example.com"],
		"service": [
			{"id": "#atproto_labeler", "type": "AtprotoLabeler", "serviceEndpoint": "https://labeler.example.com"},
			{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": %q}
		]
	}`, did, pds)
}

func noTXT(ctx context.Context, name string) ([]string, error) {
	return nil, fmt.Errorf("lookup %s: no such host", name)
}

func newTestResolver(tr *testutil.Transport, lookup TXTLookupFunc) *Resolver {
	return NewResolver(Config{
		HTTPClient: tr.Client(),
		LookupTXT:  lookup,
	})
}

func TestResolveHandleDNS(t *testing.T) {
	assert := assert.New(t)
	tr := testutil.NewTransport()

	var lookups atomic.Int32
	r := newTestResolver(tr, func(ctx context.Context, name string) ([]string, error) {
		lookups.Add(1)
		assert.Equal("_atproto.alice.example.com", name)
		return []string{"unrelated", "did=did:plc:abc"}, nil
	})

	did, err := r.ResolveHandle(context.Background(), "Alice.Example.com")
	assert.NoError(err)
	assert.Equal("did:plc:abc", did)

	// cached
	did, err = r.ResolveHandle(context.Background(), "alice.example.com")
	assert.NoError(err)
	assert.Equal("did:plc:abc", did)
	assert.EqualValues(1, lookups.Load())
	assert.Equal(0, tr.Calls("alice.example.com", "/.well-known/atproto-did"))
}

func TestResolveHandleWellKnownFallback(t *testing.T) {
	assert := assert.New(t)
	tr := testutil.NewTransport()
	tr.Handle("alice.example.com", "/.well-known/atproto-did", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "did:plc:abc\n")
	})

	r := newTestResolver(tr, noTXT)

	did, err := r.ResolveHandle(context.Background(), "alice.example.com")
	assert.NoError(err)
	assert.Equal("did:plc:abc", did)
	assert.Equal(1, tr.Calls("alice.example.com", "/.well-known/atproto-did"))
}

func TestResolveHandleFailures(t *testing.T) {
	assert := assert.New(t)
	tr := testutil.NewTransport()
	tr.Handle("bad.example.com", "/.well-known/atproto-did", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not a did</html>")
	})

	r := newTestResolver(tr, noTXT)
	ctx := context.Background()

	_, err := r.ResolveHandle(ctx, "bad.example.com")
	assert.True(errors.Is(err, ErrResolutionFailed))

	_, err = r.ResolveHandle(ctx, "missing.example.com")
	assert.True(errors.Is(err, ErrResolutionFailed))

	for _, h := range []string{"", "alice", "al ice.example.com", "-alice.example.com", "alice..com", "alice.local"} {
		_, err = r.ResolveHandle(ctx, h)
		assert.True(errors.Is(err, ErrInvalidHandle), "handle %q", h)
	}
}

func TestResolveDIDPLC(t *testing.T) {
	assert := assert.New(t)
	tr := testutil.NewTransport()
	tr.Handle("plc.directory", "/did:plc:abc", testutil.JSON(200, didDoc("did:plc:abc", "https://pds.example.com")))

	r := newTestResolver(tr, noTXT)
	ctx := context.Background()

	pds, err := r.GetPdsURL(ctx, "did:plc:abc")
	assert.NoError(err)
	assert.Equal("https://pds.example.com", pds)

	doc, err := r.ResolveDID(ctx, "did:plc:abc")
	assert.NoError(err)
	assert.Equal("did:plc:abc", doc.DID.String())
	assert.Equal(1, tr.Calls("plc.directory", "/did:plc:abc"))

	r.Purge("did:plc:abc")
	_, err = r.ResolveDID(ctx, "did:plc:abc")
	assert.NoError(err)
	assert.Equal(2, tr.Calls("plc.directory", "/did:plc:abc"))
}

func TestResolveDIDWeb(t *testing.T) {
	assert := assert.New(t)
	tr := testutil.NewTransport()
	tr.Handle("example.com", "/.well-known/did.json", testutil.JSON(200, didDoc("did:web:example.com", "https://pds.example.com")))
	tr.Handle("example.com", "/user/alice/did.json", testutil.JSON(200, didDoc("did:web:example.com:user:alice", "https://alice.pds.example.com")))

	r := newTestResolver(tr, noTXT)
	ctx := context.Background()

	pds, err := r.GetPdsURL(ctx, "did:web:example.com")
	assert.NoError(err)
	assert.Equal("https://pds.example.com", pds)

	pds, err = r.GetPdsURL(ctx, "did:web:example.com:user:alice")
	assert.NoError(err)
	assert.Equal("https://alice.pds.example.com", pds)
}

func TestDidWebURL(t *testing.T) {
	assert := assert.New(t)

	for id, want := range map[string]string{
		"example.com":                  "https://example.com/.well-known/did.json",
		"example.com:user:alice":       "https://example.com/user/alice/did.json",
		"localhost%3A8080":             "https://localhost:8080/.well-known/did.json",
		"example.com:u:alice%40remote": "https://example.com/u/alice@remote/did.json",
	} {
		got, err := didWebURL(id)
		assert.NoError(err, id)
		assert.Equal(want, got, id)
	}

	_, err := didWebURL("example.com::alice")
	assert.Error(err)
}

func TestResolveDIDFailures(t *testing.T) {
	assert := assert.New(t)
	tr := testutil.NewTransport()
	tr.Handle("plc.directory", "/did:plc:mismatch", testutil.JSON(200, didDoc("did:plc:other", "https://pds.example.com")))
	tr.Handle("plc.directory", "/did:plc:gone", testutil.JSON(404, `{"message":"DID not registered"}`))
	tr.Handle("plc.directory", "/did:plc:html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	})
	tr.Handle("plc.directory", "/did:plc:nopds", testutil.JSON(200, `{"id":"did:plc:nopds","service":[]}`))

	r := newTestResolver(tr, noTXT)
	ctx := context.Background()

	_, err := r.ResolveDID(ctx, "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK")
	assert.True(errors.Is(err, ErrUnsupportedMethod))

	for _, did := range []string{"did:plc:mismatch", "did:plc:gone", "did:plc:html", "not-a-did"} {
		_, err = r.ResolveDID(ctx, did)
		assert.True(errors.Is(err, ErrDidResolutionFailed), did)
	}

	_, err = r.GetPdsURL(ctx, "did:plc:nopds")
	assert.True(errors.Is(err, ErrNoPdsEndpoint))

	var idErr *Error
	require.True(t, errors.As(err, &idErr))
	assert.Equal("did:plc:nopds", idErr.Identifier)
}

func TestExtractPdsURL(t *testing.T) {
	assert := assert.New(t)

	doc := &DIDDocument{}
	_, ok := ExtractPdsURL(doc)
	assert.False(ok)

	_, ok = ExtractPdsURL(nil)
	assert.False(ok)

	for _, tc := range []struct {
		id, typ string
		ok      bool
	}{
		{"#atproto_pds", "AtprotoPersonalDataServer", true},
		{"did:plc:abc#atproto_pds", "AtprotoPersonalDataServer", true},
		{"#atproto_pds", "SomethingElse", false},
		{"#other", "AtprotoPersonalDataServer", false},
	} {
		d := &DIDDocument{
			Service: []atpidentity.DocService{
				{ID: tc.id, Type: tc.typ, ServiceEndpoint: "https://pds.example.com"},
			},
		}

		got, ok := ExtractPdsURL(d)
		assert.Equal(tc.ok, ok, tc.id+" "+tc.typ)
		if tc.ok {
			assert.Equal("https://pds.example.com", got)
		}
	}
}

func TestSyntaxPredicates(t *testing.T) {
	assert := assert.New(t)

	assert.True(IsValidHandle("alice.example.com"))
	assert.True(IsValidHandle("a.co"))
	assert.False(IsValidHandle("alice"))
	assert.False(IsValidHandle("alice .example.com"))

	assert.True(IsValidDID("did:plc:abc"))
	assert.True(IsValidDID("did:web:example.com"))
	assert.False(IsValidDID("did:plc:"))
	assert.False(IsValidDID("alice.example.com"))
}

func TestResolveDIDSharedLookupSurvivesCancel(t *testing.T) {
	assert := assert.New(t)
	tr := testutil.NewTransport()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	tr.Handle("plc.directory", "/did:plc:abc", func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		case <-release:
		}
		testutil.JSON(200, didDoc("did:plc:abc", "https://pds.example.com"))(w, r)
	})

	r := newTestResolver(tr, noTXT)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.ResolveDID(firstCtx, "did:plc:abc")
		firstErr <- err
	}()
	<-started

	type result struct {
		doc *DIDDocument
		err error
	}
	second := make(chan result, 1)
	go func() {
		doc, err := r.ResolveDID(context.Background(), "did:plc:abc")
		second <- result{doc, err}
	}()

	// let the second caller join the lookup already in flight
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(<-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal("did:plc:abc", res.doc.DID.String())
	assert.Equal(1, tr.Calls("plc.directory", "/did:plc:abc"))
}
