package main

import (
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"

	oauth "github.com/streamplace/atproto-oauth-core"
	"github.com/streamplace/atproto-oauth-core/tokens"
)

func sessionUserID(e echo.Context) (int64, bool) {
	sess, err := session.Get(sessionName, e)
	if err != nil {
		return 0, false
	}

	id, ok := sess.Values["user_id"].(int64)
	return id, ok && id != 0
}

func (s *Server) handleIndex(e echo.Context) error {
	ctx := e.Request().Context()

	uid, ok := sessionUserID(e)
	if !ok {
		return e.JSON(http.StatusOK, map[string]any{"logged_in": false})
	}

	did, err := s.tokens.GetUserDID(ctx, uid)
	if err != nil {
		return s.writeError(e, err)
	}

	handle, err := s.tokens.GetUserHandle(ctx, uid)
	if err != nil {
		return s.writeError(e, err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"logged_in":   true,
		"did":         did,
		"handle":      handle,
		"token_valid": s.tokens.IsTokenValid(ctx, uid),
	})
}

func (s *Server) handleLoginSubmit(e echo.Context) error {
	ctx := e.Request().Context()

	handle := e.FormValue("handle")
	if handle == "" {
		return s.writeError(e, &oauth.Error{Kind: oauth.KindInvalidHandle, Msg: "empty handle"})
	}

	authUrl, attempt, err := s.oauth.GetAuthorizationUrl(ctx, handle, "")
	if err != nil {
		return s.writeError(e, err)
	}

	if err := s.attempts.PutAttempt(ctx, attempt); err != nil {
		return err
	}

	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}

	// keep the user if one is already logged in
	uid, _ := sess.Values["user_id"].(int64)
	sess.Values = map[interface{}]interface{}{}
	if uid != 0 {
		sess.Values["user_id"] = uid
	}
	sess.Values["oauth_state"] = attempt.State

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, authUrl)
}

func (s *Server) handleCallback(e echo.Context) error {
	ctx := e.Request().Context()

	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	// the state must also belong to this browser, not just exist
	sessState, _ := sess.Values["oauth_state"].(string)
	if resState := e.QueryParam("state"); resState != "" && resState != sessState {
		return s.writeError(e, &oauth.Error{Kind: oauth.KindStateMismatch, Msg: "state does not belong to this session"})
	}

	delete(sess.Values, "oauth_state")

	res, err := s.oauth.HandleCallback(ctx, s.attempts, e.QueryParams())
	if err != nil {
		sess.Save(e.Request(), e.Response())
		return s.writeError(e, err)
	}

	uid, err := s.userForDID(ctx, res.Tokens.Did)
	if err != nil {
		return err
	}

	err = s.tokens.StoreTokens(ctx, uid,
		res.Tokens.Did, res.Attempt.Handle, res.Tokens.PdsUrl,
		res.Tokens.AccessToken, res.Tokens.RefreshToken, res.Tokens.ExpiresIn)
	if err != nil {
		return err
	}

	s.logger.Info("user logged in", "user_id", uid, "did", res.Tokens.Did)

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}

	// make sure the session is empty
	sess.Values = map[interface{}]interface{}{}
	sess.Values["user_id"] = uid

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, "/")
}

func (s *Server) handleLogout(e echo.Context) error {
	ctx := e.Request().Context()

	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	if uid, ok := sess.Values["user_id"].(int64); ok {
		if err := s.tokens.ClearTokens(ctx, uid); err != nil && !errors.Is(err, tokens.ErrTokenNotFound) {
			return err
		}
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, "/")
}
