package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keygatehq/keygate/internal/server"
	"github.com/keygatehq/keygate/internal/sweeper"
)

const banner = `
 _  __          ____       _
| |/ /___ _   _/ ___| __ _| |_ ___
| ' // _ \ | | | |  _ / _' | __/ _ \
| . \  __/ |_| | |_| | (_| | ||  __/
|_|\_\___|\__, |\____|\__,_|\__\___|
          |___/
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keygate API server",
		Long:  "Start the HTTP server for admin sessions, temporary key management, and key validation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	vp.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	vp.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	a, err := openApp(dev)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	logger.Info("store opened", "driver", a.store.Driver(), "data_dir", a.cfg.Storage.DataDir)

	if _, insecure := a.cfg.Auth.Secret(); insecure {
		logger.Warn("no auth.jwt_secret configured; using the insecure development secret (set KEYGATE_AUTH_JWT_SECRET)")
	}

	hasAdmin, err := a.admins.HasAnyAdmin(context.Background())
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: keygate admin create --username <name> --role super_admin")
	}

	sw := sweeper.New(a.keys, a.cfg.Keys.Sweep(), a.clock, logger)
	sw.Start()

	srv := server.New(server.ConfigFrom(a.cfg.Server), server.Deps{
		Store:   a.store,
		Admins:  a.admins,
		Keys:    a.keys,
		Auditor: a.auditor,
		Metrics: a.metrics,
		Sweeper: sw,
	}, logger)

	host, port := a.cfg.Server.Host, a.cfg.Server.Port
	fmt.Printf("→ Keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ API:        http://%s:%d/api/v1\n", host, port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, port)
	fmt.Printf("→ Metrics:    http://%s:%d/metrics\n", host, port)
	fmt.Printf("→ Key hours evaluated in %s\n", a.keys.Location())
	fmt.Println()

	return srv.ListenAndServe()
}
