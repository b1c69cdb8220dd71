// Command apxd is the APX broker server: it accepts node connections,
// brokers port routing between them, and serves the optional introspection
// API (spec.md §6; SPEC_FULL §6). Grounded on phenix/cmd's spf13/cobra
// command tree, generalized from phenix's subcommand set down to apxd's
// single positional config-file argument.
package main

import (
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sandia-apx/apxd/internal/apxaudit"
	"github.com/sandia-apx/apxd/internal/apxinspect"
	"github.com/sandia-apx/apxd/internal/apxserver"
	"github.com/sandia-apx/apxd/internal/config"
	log "github.com/sandia-apx/apxd/pkg/minilog"
)

var logLevelOverride string

var rootCmd = &cobra.Command{
	Use:   "apxd <config-file>",
	Short: "APX port-routing broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
	SilenceUsage: true,
}

// flags is rootCmd's pflag.FlagSet, held directly so overrides can be
// applied to the loaded config the same way phenix/cmd binds its
// persistent flags ahead of viper.
var flags *pflag.FlagSet

func init() {
	flags = rootCmd.PersistentFlags()
	flags.StringVar(&logLevelOverride, "log.level", "", "override the config file's log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("apxd: loading config: %w", err)
	}

	if logLevelOverride != "" {
		cfg.Log.Level = logLevelOverride
	}

	lvl, ok := log.ParseLevel(cfg.Log.Level)
	if !ok {
		lvl = log.INFO
	}

	out := stdlog.New(os.Stderr, "", stdlog.Ldate|stdlog.Ltime)
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("apxd: opening log file: %w", err)
		}
		defer f.Close()
		out = stdlog.New(f, "", stdlog.Ldate|stdlog.Ltime)
	}
	color.NoColor = !cfg.Log.Color
	log.AddLogger("stderr", out, lvl, cfg.Log.Color)

	srv := apxserver.New()
	srv.MaxConnections = cfg.Server.MaxConnections

	if cfg.Server.AuditDBPath != "" {
		al, err := apxaudit.Open(cfg.Server.AuditDBPath)
		if err != nil {
			return fmt.Errorf("apxd: opening audit log: %w", err)
		}
		defer al.Close()
		srv.SetAudit(al)
	}

	if cfg.Server.Listen != "" {
		if err := srv.Listen(cfg.Server.Listen); err != nil {
			return fmt.Errorf("apxd: listening on %s: %w", cfg.Server.Listen, err)
		}
	}
	if cfg.Server.UnixSocket != "" {
		if err := srv.ListenUnix(cfg.Server.UnixSocket); err != nil {
			return fmt.Errorf("apxd: listening on %s: %w", cfg.Server.UnixSocket, err)
		}
	}

	if cfg.Server.InspectListen != "" {
		inspect := apxinspect.New(srv)
		inspect.Start()
		go func() {
			if err := http.ListenAndServe(cfg.Server.InspectListen, inspect); err != nil {
				log.Error("apxd: introspection API: %v", err)
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	log.Info("apxd: shutting down")

	done := make(chan error, 1)
	go func() { done <- srv.Destroy() }()

	timer := time.Duration(cfg.Server.ShutdownTimer) * time.Second
	if timer <= 0 {
		timer = 5 * time.Second
	}

	select {
	case err := <-done:
		return err
	case <-time.After(timer):
		return fmt.Errorf("apxd: shutdown did not complete within %s", timer)
	}
}
