package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

type CallbackResult struct {
	Tokens  *TokenSet
	Attempt *AuthorizationAttempt
}

// HandleCallback validates the query of an authorization callback against
// the stored attempt and exchanges the code. The attempt is consumed whether
// or not the exchange succeeds. The returned token set always carries a DID.
func (c *Client) HandleCallback(ctx context.Context, attempts AttemptStore, params url.Values) (*CallbackResult, error) {
	state := params.Get("state")

	if e := params.Get("error"); e != "" {
		if state != "" {
			_, _ = attempts.TakeAttempt(ctx, state)
		}

		msg := e
		if desc := params.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		return nil, newError(KindOAuthDenied, msg, nil)
	}

	if state == "" {
		return nil, newError(KindStateMismatch, "missing state", nil)
	}

	attempt, err := attempts.TakeAttempt(ctx, state)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			return nil, newError(KindStateMismatch, "unknown or expired state", nil)
		}
		return nil, fmt.Errorf("could not load authorization attempt: %w", err)
	}

	if iss := params.Get("iss"); iss != "" && attempt.AuthServerIss != "" && iss != attempt.AuthServerIss {
		return nil, newError(KindStateMismatch, fmt.Sprintf("issuer %q does not match %q", iss, attempt.AuthServerIss), nil)
	}

	code := params.Get("code")
	if code == "" {
		return nil, newError(KindTokenExchangeFailed, "missing code", nil)
	}

	tokens, err := c.ExchangeCode(ctx, attempt, code)
	if err != nil {
		return nil, err
	}

	switch {
	case tokens.Did == "":
		tokens.Did = attempt.Did
	case attempt.Did != "" && tokens.Did != attempt.Did:
		c.logger.Warn("token subject does not match resolved did", "did", attempt.Did, "sub", tokens.Did)
		return nil, newError(KindTokenExchangeFailed, "token subject does not match the account that logged in", nil)
	}

	if tokens.Did == "" {
		return nil, newError(KindTokenExchangeFailed, "could not determine account did", nil)
	}

	return &CallbackResult{
		Tokens:  tokens,
		Attempt: attempt,
	}, nil
}
