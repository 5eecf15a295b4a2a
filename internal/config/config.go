// Package config turns command line flags and ATPROTO_* environment variables
// into the explicit values the core packages are constructed with.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/streamplace/atproto-oauth-core/identity"
	"github.com/streamplace/atproto-oauth-core/tokencrypt"
	"github.com/streamplace/atproto-oauth-core/tokens"
)

const (
	ClientMetadataPath = "/oauth/client-metadata.json"
	CallbackPath       = "/callback"
)

type Config struct {
	PublicURL        string
	ListenAddr       string
	DBPath           string
	DatabaseURL      string
	PLCURL           string
	SessionSecret    string
	IdentityCacheTTL time.Duration
	RefreshBuffer    time.Duration
	KeyRing          *tokencrypt.KeyRing
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}

	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// DatabaseFlags select the token store: SQLite at --db-path unless
// --database-url names a Postgres database.
func DatabaseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "db-path",
			Usage:   "path to the sqlite database",
			Value:   "atproto-oauth.sqlite",
			EnvVars: []string{"ATPROTO_DB_PATH"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "postgres connection string; takes precedence over --db-path",
			EnvVars: []string{"ATPROTO_DATABASE_URL"},
		},
	}
}

func KeyRingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "token-encryption-keys",
			Usage:    `JSON object mapping key versions to base64 32-byte keys, e.g. {"v1":"..."}`,
			Required: true,
			EnvVars:  []string{"ATPROTO_TOKEN_ENCRYPTION_KEYS"},
		},
		&cli.StringFlag{
			Name:     "token-encryption-key-version",
			Usage:    "key version new ciphertexts are sealed under",
			Required: true,
			EnvVars:  []string{"ATPROTO_TOKEN_ENCRYPTION_KEY_VERSION"},
		},
	}
}

// ServerFlags is every setting the demo host reads.
func ServerFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "public-url",
			Usage:    "externally reachable https base url of this client",
			Required: true,
			EnvVars:  []string{"ATPROTO_PUBLIC_URL"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Value:   ":7070",
			EnvVars: []string{"ATPROTO_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "plc-url",
			Value:   identity.DefaultPLCURL,
			EnvVars: []string{"ATPROTO_PLC_URL"},
		},
		&cli.StringFlag{
			Name:     "session-secret",
			Usage:    "random string used to sign session cookies",
			Required: true,
			EnvVars:  []string{"ATPROTO_SESSION_SECRET"},
		},
		&cli.DurationFlag{
			Name:    "identity-cache-ttl",
			Value:   identity.DefaultCacheTTL,
			EnvVars: []string{"ATPROTO_IDENTITY_CACHE_TTL"},
		},
		&cli.DurationFlag{
			Name:    "refresh-buffer",
			Usage:   "refresh access tokens this long before they expire",
			Value:   tokens.DefaultRefreshBuffer,
			EnvVars: []string{"ATPROTO_REFRESH_BUFFER"},
		},
	}

	flags = append(flags, DatabaseFlags()...)
	return append(flags, KeyRingFlags()...)
}

// FromCLI reads whichever of the flag groups above were registered on the
// command. The key ring is loaded only when its flags are present.
func FromCLI(cctx *cli.Context) (*Config, error) {
	cfg := &Config{
		PublicURL:        strings.TrimSuffix(cctx.String("public-url"), "/"),
		ListenAddr:       cctx.String("listen-addr"),
		DBPath:           cctx.String("db-path"),
		DatabaseURL:      cctx.String("database-url"),
		PLCURL:           cctx.String("plc-url"),
		SessionSecret:    cctx.String("session-secret"),
		IdentityCacheTTL: cctx.Duration("identity-cache-ttl"),
		RefreshBuffer:    cctx.Duration("refresh-buffer"),
	}

	if cfg.PublicURL != "" {
		u, err := url.Parse(cfg.PublicURL)
		if err != nil || u.Host == "" || u.Scheme != "https" {
			return nil, fmt.Errorf("public url must be an absolute https url, got %q", cfg.PublicURL)
		}
	}

	if cctx.IsSet("token-encryption-keys") || cctx.IsSet("token-encryption-key-version") {
		ring, err := tokencrypt.ParseKeyRing(cctx.String("token-encryption-keys"), cctx.String("token-encryption-key-version"))
		if err != nil {
			return nil, err
		}
		cfg.KeyRing = ring
	}

	return cfg, nil
}

func (c *Config) ClientID() string {
	return c.PublicURL + ClientMetadataPath
}

func (c *Config) RedirectURI() string {
	return c.PublicURL + CallbackPath
}
