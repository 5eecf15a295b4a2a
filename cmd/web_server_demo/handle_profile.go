package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/labstack/echo/v4"

	oauth "github.com/streamplace/atproto-oauth-core"
)

func (s *Server) handleProfile(e echo.Context) error {
	ctx := e.Request().Context()

	uid, ok := sessionUserID(e)
	if !ok {
		return e.JSON(http.StatusUnauthorized, map[string]any{"logged_in": false})
	}

	accessToken, err := s.tokens.GetAccessToken(ctx, uid)
	if err != nil {
		return s.writeError(e, err)
	}

	did, err := s.tokens.GetUserDID(ctx, uid)
	if err != nil {
		return s.writeError(e, err)
	}

	pdsUrl, err := s.tokens.GetUserPdsURL(ctx, uid)
	if err != nil {
		return s.writeError(e, err)
	}

	u := fmt.Sprintf("%s/xrpc/app.bsky.actor.getProfile?actor=%s", pdsUrl, url.QueryEscape(did))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := s.oauth.AuthedRequest(ctx, req, accessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Warn("profile request failed", "user_id", uid, "status", resp.StatusCode, "body", string(b))
		return e.JSON(http.StatusBadGateway, map[string]any{"error": "profile request failed", "status": resp.StatusCode})
	}

	var out bsky.ActorDefs_ProfileViewDetailed
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	var dn string
	if out.DisplayName != nil {
		dn = *out.DisplayName
	}

	var desc string
	if out.Description != nil {
		desc = *out.Description
	}

	return e.JSON(http.StatusOK, map[string]any{
		"did":          out.Did,
		"handle":       out.Handle,
		"display_name": dn,
		"description":  desc,
	})
}

func (s *Server) handleClientMetadata(e echo.Context) error {
	jwk, err := s.proofs.PublicJWK(e.Request().Context())
	if err != nil {
		return err
	}

	meta := oauth.NewClientMetadata(oauth.ClientMetadataArgs{
		ClientId:     s.clientId,
		ClientName:   "atproto oauth golang demo",
		RedirectUris: []string{s.redirectUri},
		JWK:          jwk,
	})

	e.Response().Header().Set("Cache-Control", "public, max-age=3600")
	return e.JSON(http.StatusOK, meta)
}
