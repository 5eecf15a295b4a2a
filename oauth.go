// Package oauth is an atproto OAuth client: PKCE, pushed authorization
// requests and DPoP-bound tokens against whichever authorization server a
// user's PDS points at.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/streamplace/atproto-oauth-core/identity"
	"github.com/streamplace/atproto-oauth-core/internal/helpers"
)

const (
	DefaultScope = "atproto transition:generic"

	defaultExpiresIn = 3600
	metadataTimeout  = 10 * time.Second
	requestTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
	// a server challenging with use_dpop_nonce gets exactly one replay
	maxNonceRetries = 1
	nonceTTL        = 5 * time.Minute
)

// IdentityResolver maps handles and DIDs to the user's PDS.
type IdentityResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
	GetPdsURL(ctx context.Context, did string) (string, error)
}

// ProofSigner produces DPoP proofs for outbound requests.
type ProofSigner interface {
	CreateProofWithNonce(ctx context.Context, method, htu, nonce, accessToken string) (string, error)
}

type Client struct {
	h           *http.Client
	resolver    IdentityResolver
	proofs      ProofSigner
	clientId    string
	redirectUri string
	scope       string
	logger      *slog.Logger

	mu       sync.Mutex
	metadata map[string]*OauthAuthorizationMetadata
	nonces   *expirable.LRU[string, string]
}

type ClientArgs struct {
	H           *http.Client
	Resolver    IdentityResolver
	Proofs      ProofSigner
	ClientId    string
	RedirectUri string
	Scope       string
	Logger      *slog.Logger
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, newError(KindConfig, "no client id provided", nil)
	}

	if args.RedirectUri == "" {
		return nil, newError(KindConfig, "no redirect uri provided", nil)
	}

	if args.Resolver == nil {
		return nil, newError(KindConfig, "no identity resolver provided", nil)
	}

	if args.Proofs == nil {
		return nil, newError(KindConfig, "no dpop proof signer provided", nil)
	}

	if args.H == nil {
		args.H = helpers.NewHTTPClient(requestTimeout)
	}

	if args.Scope == "" {
		args.Scope = DefaultScope
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Client{
		h:           args.H,
		resolver:    args.Resolver,
		proofs:      args.Proofs,
		clientId:    args.ClientId,
		redirectUri: args.RedirectUri,
		scope:       args.Scope,
		logger:      args.Logger.With("component", "oauth"),
		metadata:    map[string]*OauthAuthorizationMetadata{},
		nonces:      expirable.NewLRU[string, string](1024, nil, nonceTTL),
	}, nil
}

// ResolvePDSAuthServer reads the PDS's protected resource metadata and
// returns its first authorization server.
func (c *Client) ResolvePDSAuthServer(ctx context.Context, ustr string) (string, error) {
	u, err := helpers.IsSafeAndParsed(ustr)
	if err != nil {
		return "", err
	}

	u.Path = "/.well-known/oauth-protected-resource"
	u.RawQuery = ""

	var resource OauthProtectedResource
	if err := c.getJSON(ctx, u.String(), &resource); err != nil {
		return "", fmt.Errorf("could not fetch oauth protected resource: %w", err)
	}

	if len(resource.AuthorizationServers) == 0 {
		return "", fmt.Errorf("oauth protected resource contained no authorization servers")
	}

	authServer := resource.AuthorizationServers[0]
	if _, err := helpers.IsSafeAndParsed(authServer); err != nil {
		return "", fmt.Errorf("unsafe authorization server url: %w", err)
	}

	return authServer, nil
}

func (c *Client) FetchAuthServerMetadata(ctx context.Context, ustr string) (*OauthAuthorizationMetadata, error) {
	u, err := helpers.IsSafeAndParsed(ustr)
	if err != nil {
		return nil, err
	}

	u.Path = "/.well-known/oauth-authorization-server"
	u.RawQuery = ""

	var metadata OauthAuthorizationMetadata
	if err := c.getJSON(ctx, u.String(), &metadata); err != nil {
		return nil, fmt.Errorf("could not fetch auth server metadata: %w", err)
	}

	if err := metadata.Validate(u); err != nil {
		return nil, fmt.Errorf("could not validate metadata: %w", err)
	}

	return &metadata, nil
}

// FetchOAuthMetadata discovers the authorization server for pdsUrl. Results
// are cached per client; refresh bypasses the cache.
func (c *Client) FetchOAuthMetadata(ctx context.Context, pdsUrl string, useCache bool) (*OauthAuthorizationMetadata, error) {
	if useCache {
		c.mu.Lock()
		meta, ok := c.metadata[pdsUrl]
		c.mu.Unlock()
		if ok {
			return meta, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	authServer, err := c.ResolvePDSAuthServer(ctx, pdsUrl)
	if err != nil {
		return nil, newError(KindMetadataFetchFailed, pdsUrl, err)
	}

	meta, err := c.FetchAuthServerMetadata(ctx, authServer)
	if err != nil {
		return nil, newError(KindMetadataFetchFailed, authServer, err)
	}

	c.mu.Lock()
	c.metadata[pdsUrl] = meta
	c.mu.Unlock()

	return meta, nil
}

// GetAuthorizationUrl starts a login for handleOrDid. It resolves the user's
// PDS and authorization server, pushes the authorization request and returns
// the URL to send the browser to, plus the attempt the caller must keep until
// the callback. A new state is generated when state is empty.
func (c *Client) GetAuthorizationUrl(ctx context.Context, handleOrDid, state string) (string, *AuthorizationAttempt, error) {
	input := strings.TrimSpace(handleOrDid)

	var did, handle string
	switch {
	case identity.IsValidDID(input):
		did = input
	case identity.IsValidHandle(identity.NormalizeHandle(input)):
		handle = identity.NormalizeHandle(input)
		resolved, err := c.resolver.ResolveHandle(ctx, handle)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidHandle) {
				return "", nil, newError(KindInvalidHandle, handle, err)
			}
			return "", nil, newError(KindDidResolutionFailed, handle, err)
		}
		did = resolved
	default:
		return "", nil, newError(KindInvalidHandle, handleOrDid, nil)
	}

	pdsUrl, err := c.resolver.GetPdsURL(ctx, did)
	if err != nil {
		return "", nil, newError(KindDidResolutionFailed, did, err)
	}

	meta, err := c.FetchOAuthMetadata(ctx, pdsUrl, true)
	if err != nil {
		return "", nil, err
	}

	if meta.PushedAuthorizationRequestEndpoint == "" {
		return "", nil, newError(KindConfig, "PAR endpoint required by AT Protocol", nil)
	}

	if _, err := helpers.IsSafeAndParsed(meta.PushedAuthorizationRequestEndpoint); err != nil {
		return "", nil, newError(KindConfig, "unsafe PAR endpoint", err)
	}

	authUrl, err := helpers.IsSafeAndParsed(meta.AuthorizationEndpoint)
	if err != nil {
		return "", nil, newError(KindConfig, "unsafe authorization endpoint", err)
	}

	if state == "" {
		state, err = helpers.GenerateToken(16)
		if err != nil {
			return "", nil, fmt.Errorf("could not generate state token: %w", err)
		}
	}

	verifier, err := helpers.GenerateCodeVerifier(48)
	if err != nil {
		return "", nil, fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	attempt := &AuthorizationAttempt{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: helpers.GenerateCodeChallenge(verifier),
		Did:           did,
		Handle:        handle,
		PdsUrl:        pdsUrl,
		AuthServerIss: meta.Issuer,
		CreatedAt:     time.Now(),
	}

	loginHint := did
	if handle != "" {
		loginHint = handle
	}

	params := url.Values{
		"client_id":             {c.clientId},
		"redirect_uri":          {c.redirectUri},
		"response_type":         {"code"},
		"state":                 {state},
		"code_challenge":        {attempt.CodeChallenge},
		"code_challenge_method": {"S256"},
		"scope":                 {c.scope},
		"login_hint":            {loginHint},
	}

	b, nonce, err := c.postWithDpop(ctx, meta.PushedAuthorizationRequestEndpoint, params, meta.Issuer, KindTokenExchangeFailed)
	if err != nil {
		return "", nil, err
	}

	var par parResponse
	if err := json.Unmarshal(b, &par); err != nil {
		return "", nil, newError(KindTokenExchangeFailed, "invalid PAR response", err)
	}

	if par.RequestUri == "" {
		return "", nil, newError(KindTokenExchangeFailed, "PAR response missing request_uri", nil)
	}

	attempt.DpopNonce = nonce

	authUrl.RawQuery = url.Values{
		"client_id":   {c.clientId},
		"request_uri": {par.RequestUri},
	}.Encode()

	c.logger.Info("pushed authorization request", "did", did, "auth_server", meta.Issuer)

	return authUrl.String(), attempt, nil
}

// ExchangeCode trades an authorization code for tokens. It does not check
// state; that is the caller's job (see HandleCallback).
func (c *Client) ExchangeCode(ctx context.Context, attempt *AuthorizationAttempt, code string) (*TokenSet, error) {
	if attempt == nil {
		return nil, newError(KindTokenExchangeFailed, "no authorization attempt", nil)
	}

	meta, err := c.FetchOAuthMetadata(ctx, attempt.PdsUrl, true)
	if err != nil {
		return nil, err
	}

	if attempt.DpopNonce != "" && !c.nonces.Contains(meta.Issuer) {
		c.nonces.Add(meta.Issuer, attempt.DpopNonce)
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.redirectUri},
		"client_id":     {c.clientId},
		"code_verifier": {attempt.CodeVerifier},
	}

	b, nonce, err := c.postWithDpop(ctx, meta.TokenEndpoint, params, meta.Issuer, KindTokenExchangeFailed)
	if err != nil {
		return nil, err
	}

	tokens, err := parseTokenResponse(b, KindTokenExchangeFailed)
	if err != nil {
		return nil, err
	}

	tokens.PdsUrl = attempt.PdsUrl
	tokens.AuthServer = meta.Issuer
	tokens.DpopNonce = nonce

	return tokens, nil
}

// RefreshAccessToken redeems refreshToken at the authorization server of
// pdsUrl. Metadata is always refetched since refreshes often happen in a
// different process than the login.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken, pdsUrl string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, newError(KindRefreshFailed, "no refresh token", nil)
	}

	meta, err := c.FetchOAuthMetadata(ctx, pdsUrl, false)
	if err != nil {
		return nil, newError(KindRefreshFailed, "could not load metadata", err)
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientId},
	}

	b, nonce, err := c.postWithDpop(ctx, meta.TokenEndpoint, params, meta.Issuer, KindRefreshFailed)
	if err != nil {
		return nil, err
	}

	tokens, err := parseTokenResponse(b, KindRefreshFailed)
	if err != nil {
		return nil, err
	}

	tokens.PdsUrl = pdsUrl
	tokens.AuthServer = meta.Issuer
	tokens.DpopNonce = nonce

	return tokens, nil
}

func parseTokenResponse(b []byte, kind ErrorKind) (*TokenSet, error) {
	var resp tokenResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, newError(kind, "invalid token response", err)
	}

	if resp.AccessToken == "" {
		return nil, newError(kind, "token response missing access_token", nil)
	}

	if resp.TokenType == "" {
		resp.TokenType = "DPoP"
	}

	if !strings.EqualFold(resp.TokenType, "DPoP") {
		return nil, newError(kind, fmt.Sprintf("unexpected token type %q", resp.TokenType), nil)
	}

	if resp.ExpiresIn <= 0 {
		resp.ExpiresIn = defaultExpiresIn
	}

	did := resp.Sub
	if !identity.IsValidDID(did) {
		did = ExtractDidFromToken(resp.AccessToken)
	}

	return &TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		Scope:        resp.Scope,
		Did:          did,
	}, nil
}

// postWithDpop posts a form with a DPoP proof and returns the JSON body of a
// successful response and the latest nonce the server handed out. A
// use_dpop_nonce rejection is replayed once with the new nonce.
func (c *Client) postWithDpop(ctx context.Context, endpoint string, params url.Values, nonceKey string, kind ErrorKind) ([]byte, string, error) {
	nonce, _ := c.nonces.Get(nonceKey)
	body := params.Encode()

	for attempt := 0; attempt <= maxNonceRetries; attempt++ {
		proof, err := c.proofs.CreateProofWithNonce(ctx, "POST", endpoint, nonce, "")
		if err != nil {
			return nil, nonce, newError(kind, "could not create dpop proof", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(body))
		if err != nil {
			return nil, nonce, newError(kind, "could not build request", err)
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("DPoP", proof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, nonce, newError(kind, "request failed", err)
		}

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			return nil, nonce, newError(kind, "could not read response", err)
		}

		serverNonce := resp.Header.Get("DPoP-Nonce")
		if serverNonce != "" {
			nonce = serverNonce
			c.nonces.Add(nonceKey, serverNonce)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if !json.Valid(b) {
				return nil, nonce, newError(kind, "response was not json", nil)
			}
			return b, nonce, nil
		}

		var errResp errorResponse
		_ = json.Unmarshal(b, &errResp)

		if errResp.Error == "use_dpop_nonce" && serverNonce != "" && attempt < maxNonceRetries {
			c.logger.Debug("retrying with server dpop nonce", "endpoint", endpoint)
			continue
		}

		if errResp.Error != "" {
			return nil, nonce, newError(kind, fmt.Sprintf("server returned %d: %s", resp.StatusCode, errResp), nil)
		}

		return nil, nonce, newError(kind, fmt.Sprintf("server returned %d", resp.StatusCode), nil)
	}

	return nil, nonce, newError(kind, "server kept demanding a new dpop nonce", nil)
}

func (c *Client) getJSON(ctx context.Context, ustr string, v any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.h.Do(req)
	if err != nil {
		return fmt.Errorf("could not get response from server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("received non-200 response. code was %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(v); err != nil {
		return fmt.Errorf("could not unmarshal json: %w", err)
	}

	return nil
}
