// Package identity resolves atproto handles to DIDs and DIDs to the personal
// data server that hosts them.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/streamplace/atproto-oauth-core/internal/helpers"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPLCURL    = "https://plc.directory"
	DefaultCacheTTL  = time.Hour
	DefaultCacheSize = 10_000

	maxWellKnownBytes = 2048
	maxDocumentBytes  = 1 << 20
)

// TXTLookupFunc looks up the TXT records of a DNS name.
type TXTLookupFunc func(ctx context.Context, name string) ([]string, error)

type Config struct {
	HTTPClient *http.Client
	// PLCURL is the did:plc directory, without a trailing slash.
	PLCURL    string
	CacheTTL  time.Duration
	CacheSize int
	LookupTXT TXTLookupFunc
	Logger    *slog.Logger
}

type Resolver struct {
	h         *http.Client
	plcURL    string
	lookupTXT TXTLookupFunc
	logger    *slog.Logger

	handles *expirable.LRU[string, string]
	docs    *expirable.LRU[string, *DIDDocument]
	group   singleflight.Group
}

func NewResolver(cfg Config) *Resolver {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = helpers.NewHTTPClient(helpers.DefaultHTTPTimeout)
	}

	if cfg.PLCURL == "" {
		cfg.PLCURL = DefaultPLCURL
	}

	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	if cfg.LookupTXT == nil {
		cfg.LookupTXT = net.DefaultResolver.LookupTXT
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Resolver{
		h:         cfg.HTTPClient,
		plcURL:    strings.TrimSuffix(cfg.PLCURL, "/"),
		lookupTXT: cfg.LookupTXT,
		logger:    cfg.Logger.With("component", "identity"),
		handles:   expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		docs:      expirable.NewLRU[string, *DIDDocument](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// ResolveHandle returns the DID a handle points to, trying DNS first and the
// HTTPS well-known route second.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	handle = NormalizeHandle(handle)

	parsed, err := syntax.ParseHandle(handle)
	if err != nil {
		return "", &Error{Kind: KindInvalidHandle, Identifier: handle, Err: err}
	}

	if !parsed.AllowedTLD() {
		return "", &Error{Kind: KindInvalidHandle, Identifier: handle, Msg: "disallowed top-level domain"}
	}

	if did, ok := r.handles.Get(handle); ok {
		return did, nil
	}

	v, err := r.coalesce(ctx, "handle:"+handle, func(ctx context.Context) (any, error) {
		dnsDid, dnsErr := r.resolveHandleDNS(ctx, handle)
		if dnsErr == nil {
			return dnsDid, nil
		}

		httpDid, httpErr := r.resolveHandleWellKnown(ctx, handle)
		if httpErr == nil {
			return httpDid, nil
		}

		r.logger.Debug("handle resolution failed", "handle", handle, "dns_error", dnsErr, "http_error", httpErr)
		return "", &Error{Kind: KindResolutionFailed, Identifier: handle, Err: errors.Join(dnsErr, httpErr)}
	})
	if err != nil {
		return "", err
	}

	did := v.(string)
	r.handles.Add(handle, did)
	return did, nil
}

func (r *Resolver) resolveHandleDNS(ctx context.Context, handle string) (string, error) {
	recs, err := r.lookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return "", fmt.Errorf("dns lookup failed: %w", err)
	}

	for _, rec := range recs {
		if !strings.HasPrefix(rec, "did=") {
			continue
		}

		did := strings.TrimSpace(strings.TrimPrefix(rec, "did="))
		if IsValidDID(did) {
			return did, nil
		}
	}

	return "", fmt.Errorf("no did= TXT record for _atproto.%s", handle)
}

func (r *Resolver) resolveHandleWellKnown(ctx context.Context, handle string) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		"GET",
		fmt.Sprintf("https://%s/.well-known/atproto-did", handle),
		nil,
	)
	if err != nil {
		return "", err
	}

	resp, err := r.h.Do(req)
	if err != nil {
		return "", fmt.Errorf("well-known request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("well-known route returned status %d", resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxWellKnownBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read well-known response: %w", err)
	}

	did := strings.TrimSpace(string(b))
	if !IsValidDID(did) {
		return "", fmt.Errorf("well-known route did not return a DID")
	}

	return did, nil
}

// ResolveDID fetches the DID document for did. Only did:plc and did:web are
// supported.
func (r *Resolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, &Error{Kind: KindDidResolutionFailed, Identifier: did, Err: err}
	}

	if doc, ok := r.docs.Get(did); ok {
		return doc, nil
	}

	var ustr string
	switch methodOf(parsed) {
	case MethodPLC:
		ustr = r.plcURL + "/" + did
	case MethodWeb:
		ustr, err = didWebURL(parsed.Identifier())
		if err != nil {
			return nil, &Error{Kind: KindDidResolutionFailed, Identifier: did, Err: err}
		}
	default:
		return nil, &Error{Kind: KindUnsupportedMethod, Identifier: did, Msg: parsed.Method()}
	}

	v, err := r.coalesce(ctx, "did:"+did, func(ctx context.Context) (any, error) {
		return r.fetchDocument(ctx, parsed, ustr)
	})
	if err != nil {
		return nil, err
	}

	doc := v.(*DIDDocument)
	r.docs.Add(did, doc)
	return doc, nil
}

func (r *Resolver) fetchDocument(ctx context.Context, did syntax.DID, ustr string) (*DIDDocument, error) {
	fail := func(msg string, err error) error {
		return &Error{Kind: KindDidResolutionFailed, Identifier: did.String(), Msg: msg, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return nil, fail("bad document url", err)
	}
	req.Header.Set("Accept", "application/did+ld+json, application/json")

	resp, err := r.h.Do(req)
	if err != nil {
		return nil, fail("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fail(fmt.Sprintf("%s returned status %d", ustr, resp.StatusCode), nil)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, _ := mime.ParseMediaType(ct)
		if mt != "application/json" && !strings.HasSuffix(mt, "+json") {
			return nil, fail(fmt.Sprintf("unexpected content type %q", ct), nil)
		}
	}

	var doc DIDDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return nil, fail("invalid document", err)
	}

	if doc.DID != did {
		return nil, fail(fmt.Sprintf("document id %q does not match", doc.DID), nil)
	}

	return &doc, nil
}

// coalesce runs fn once for concurrent callers asking for the same key. fn
// does not inherit the cancellation of whichever caller started it, so one
// caller giving up does not fail the others; the HTTP client timeout still
// bounds it. Each caller stops waiting when its own ctx is done.
func (r *Resolver) coalesce(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// GetPdsURL resolves did and returns its PDS endpoint.
func (r *Resolver) GetPdsURL(ctx context.Context, did string) (string, error) {
	doc, err := r.ResolveDID(ctx, did)
	if err != nil {
		return "", err
	}

	pds, ok := ExtractPdsURL(doc)
	if !ok {
		return "", &Error{Kind: KindNoPdsEndpoint, Identifier: did}
	}

	return pds, nil
}

// Purge drops any cached resolution for a handle or DID.
func (r *Resolver) Purge(identifier string) {
	if IsValidDID(identifier) {
		r.docs.Remove(identifier)
		return
	}

	r.handles.Remove(NormalizeHandle(identifier))
}
