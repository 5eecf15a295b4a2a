package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	oauth "github.com/streamplace/atproto-oauth-core"
	"github.com/streamplace/atproto-oauth-core/dpop"
	"github.com/streamplace/atproto-oauth-core/internal/config"
	"github.com/streamplace/atproto-oauth-core/tokens"
)

const sessionName = "session"

// DemoUser is the host's own account record. The token store only knows
// user ids; which DID maps to which account is decided here.
type DemoUser struct {
	ID        int64  `gorm:"primaryKey"`
	Did       string `gorm:"uniqueIndex"`
	CreatedAt time.Time
}

func (DemoUser) TableName() string { return "demo_users" }

type ServerArgs struct {
	DB          *gorm.DB
	Attempts    oauth.AttemptStore
	OAuth       *oauth.Client
	Tokens      *tokens.Manager
	Proofs      *dpop.Service
	ClientId    string
	RedirectUri string
	Logger      *slog.Logger
}

type Server struct {
	db          *gorm.DB
	attempts    oauth.AttemptStore
	oauth       *oauth.Client
	tokens      *tokens.Manager
	proofs      *dpop.Service
	clientId    string
	redirectUri string
	logger      *slog.Logger
}

func NewServer(args ServerArgs) (*Server, error) {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if err := args.DB.AutoMigrate(&DemoUser{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate demo users: %w", err)
	}

	return &Server{
		db:          args.DB,
		attempts:    args.Attempts,
		oauth:       args.OAuth,
		tokens:      args.Tokens,
		proofs:      args.Proofs,
		clientId:    args.ClientId,
		redirectUri: args.RedirectUri,
		logger:      args.Logger.With("component", "demo"),
	}, nil
}

func (s *Server) Routes(e *echo.Echo) {
	e.GET("/", s.handleIndex)
	e.POST("/login", s.handleLoginSubmit)
	e.GET(config.CallbackPath, s.handleCallback)
	e.GET("/profile", s.handleProfile)
	e.POST("/logout", s.handleLogout)
	e.GET(config.ClientMetadataPath, s.handleClientMetadata)
}

// userForDID returns the account already linked to did, creating one on
// first login.
func (s *Server) userForDID(ctx context.Context, did string) (int64, error) {
	id, err := s.tokens.FindUserByDID(ctx, did)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, tokens.ErrTokenNotFound) {
		return 0, err
	}

	user := DemoUser{Did: did}
	if err := s.db.WithContext(ctx).Where(DemoUser{Did: did}).FirstOrCreate(&user).Error; err != nil {
		return 0, err
	}
	return user.ID, nil
}

type errorResponse struct {
	Type         string `json:"type"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

var errorMessages = map[oauth.ErrorKind]string{
	oauth.KindInvalidHandle:       "Invalid handle format",
	oauth.KindDidResolutionFailed: "Could not resolve handle - please check it is correct",
	oauth.KindOAuthDenied:         "Authorization was denied",
	oauth.KindTokenExchangeFailed: "Token exchange failed - please try again",
	oauth.KindRefreshFailed:       "Token refresh failed",
	oauth.KindConfig:              "Configuration error",
	oauth.KindMetadataFetchFailed: "Could not connect to authorization server",
	oauth.KindStateMismatch:       "Invalid state parameter - possible CSRF attempt",
}

// writeError maps a failure to a status and a message that is safe to show.
func (s *Server) writeError(e echo.Context, err error) error {
	status := http.StatusBadRequest
	kind := oauth.ErrorKind(0)

	var oerr *oauth.Error
	switch {
	case errors.Is(err, tokens.ErrTokenNotFound):
		status = http.StatusUnauthorized
		kind = oauth.KindRefreshFailed
	case errors.Is(err, tokens.ErrRefreshFailed):
		status = http.StatusUnauthorized
		kind = oauth.KindRefreshFailed
	case errors.As(err, &oerr):
		kind = oerr.Kind
		if kind == oauth.KindConfig || kind == oauth.KindMetadataFetchFailed {
			status = http.StatusBadGateway
		}
	default:
		status = http.StatusInternalServerError
	}

	msg, ok := errorMessages[kind]
	if !ok {
		msg = "An unknown error occurred"
	}

	s.logger.Warn("request failed", "path", e.Path(), "kind", kind, "err", err)

	return e.JSON(status, errorResponse{
		Type:         "error",
		ErrorCode:    int(kind),
		ErrorMessage: msg,
	})
}
