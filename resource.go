package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// AuthedRequest sends req to a resource server with a DPoP-bound access
// token. A 401 use_dpop_nonce challenge is replayed once with the server's
// nonce; requests with a body are only replayed when req.GetBody is set.
func (c *Client) AuthedRequest(ctx context.Context, req *http.Request, accessToken string) (*http.Response, error) {
	origin := req.URL.Scheme + "://" + req.URL.Host
	nonce, _ := c.nonces.Get(origin)

	for attempt := 0; ; attempt++ {
		r := req.Clone(ctx)
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("could not rewind request body: %w", err)
			}
			r.Body = body
		}

		proof, err := c.proofs.CreateProofWithNonce(ctx, req.Method, req.URL.String(), nonce, accessToken)
		if err != nil {
			return nil, fmt.Errorf("could not create dpop proof: %w", err)
		}

		r.Header.Set("Authorization", "DPoP "+accessToken)
		r.Header.Set("DPoP", proof)

		resp, err := c.h.Do(r)
		if err != nil {
			return nil, err
		}

		serverNonce := resp.Header.Get("DPoP-Nonce")
		if serverNonce != "" {
			c.nonces.Add(origin, serverNonce)
		}

		replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
		if resp.StatusCode == http.StatusUnauthorized &&
			serverNonce != "" &&
			attempt < maxNonceRetries &&
			replayable &&
			strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce") {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			nonce = serverNonce
			continue
		}

		return resp, nil
	}
}
