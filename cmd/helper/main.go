package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	"github.com/streamplace/atproto-oauth-core/dpop"
	"github.com/streamplace/atproto-oauth-core/internal/config"
	"github.com/streamplace/atproto-oauth-core/tokencrypt"
	"github.com/streamplace/atproto-oauth-core/tokens"
)

func main() {
	if err := config.LoadDotEnv(""); err != nil {
		slog.Error("could not load .env", "err", err)
	}

	app := &cli.App{
		Name:    "atproto-oauth-helper",
		Usage:   "operator tasks for the atproto oauth client",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runGenerateDpopKey,
			runGenerateEncryptionKey,
			runThumbprint,
			runRotateTokens,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateDpopKey = &cli.Command{
	Name:  "generate-dpop-key",
	Usage: "create an ES256 private jwk for signing DPoP proofs",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "file to write the key to; stdout if empty",
		},
	},
	Action: func(cctx *cli.Context) error {
		kp, err := dpop.GenerateKey()
		if err != nil {
			return err
		}

		b, err := kp.MarshalPrivateJWK()
		if err != nil {
			return err
		}

		out := cctx.String("out")
		if out == "" {
			fmt.Println(string(b))
			return nil
		}

		if err := os.WriteFile(out, b, 0o600); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "wrote key %s to %s\n", dpop.Thumbprint(kp.JWK), out)
		return nil
	},
}

var runGenerateEncryptionKey = &cli.Command{
	Name:  "generate-encryption-key",
	Usage: "create a random token encryption key for the key ring",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "version",
			Usage: "version label for the new key",
			Value: "v1",
		},
	},
	Action: func(cctx *cli.Context) error {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return err
		}

		version := cctx.String("version")

		// make sure the label and key would be accepted at startup
		if _, err := tokencrypt.NewKeyRing(map[string][]byte{version: key}, version); err != nil {
			return err
		}

		encoded := base64.StdEncoding.EncodeToString(key)
		fragment, err := json.Marshal(map[string]string{version: encoded})
		if err != nil {
			return err
		}

		fmt.Println(encoded)
		fmt.Fprintf(os.Stderr, "add to ATPROTO_TOKEN_ENCRYPTION_KEYS: %s\n", fragment)
		return nil
	},
}

var runThumbprint = &cli.Command{
	Name:  "thumbprint",
	Usage: "print the jkt of a DPoP key, read from --key or from the configured database",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "key",
			Usage: "private jwk file",
		},
	}, config.DatabaseFlags()...),
	Action: func(cctx *cli.Context) error {
		var b []byte

		if path := cctx.String("key"); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			b = raw
		} else {
			cfg, err := config.FromCLI(cctx)
			if err != nil {
				return err
			}

			db, err := cfg.OpenDatabase(cctx.Context, slog.Default())
			if err != nil {
				return err
			}
			defer db.Close()

			if b, err = db.Keys.LoadKey(cctx.Context); err != nil {
				return err
			}
			if b == nil {
				return fmt.Errorf("no DPoP key stored yet")
			}
		}

		kp, err := dpop.ParseKey(b)
		if err != nil {
			return err
		}

		fmt.Println(dpop.Thumbprint(kp.JWK))
		return nil
	},
}

var runRotateTokens = &cli.Command{
	Name:  "rotate-tokens",
	Usage: "re-encrypt stored tokens under the current encryption key version",
	Flags: append(config.DatabaseFlags(), config.KeyRingFlags()...),
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		logger := slog.Default()

		cfg, err := config.FromCLI(cctx)
		if err != nil {
			return err
		}

		enc, err := tokencrypt.New(cfg.KeyRing)
		if err != nil {
			return err
		}

		db, err := cfg.OpenDatabase(ctx, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		// rotation never refreshes, so no refresher is needed
		m := tokens.NewManager(db.Tokens, enc, nil, tokens.Options{Logger: logger})

		n, err := m.RotateEncryption(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("re-encrypted %d records under %s\n", n, enc.CurrentVersion())
		return nil
	},
}
