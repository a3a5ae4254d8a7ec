package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/decksync/internal/config"
	"github.com/roach88/decksync/internal/identity"
	"github.com/roach88/decksync/internal/server"
	"github.com/roach88/decksync/internal/status"
)

// shutdownTimeout bounds how long in-flight requests may finish after a signal.
const shutdownTimeout = 15 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen          string
	StatusListen    string
	DBPath          string
	DeckBackend     string
	DeckDir         string
	PrivilegeDriver string
	PostgresDSN     string

	// Ready, if set, is called with the bound addresses once both
	// listeners are open (for testing).
	Ready func(syncAddr, statusAddr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the deck sync server.

The server accepts push, pull and clone requests on --listen. Privileges live
in SQLite (default) or in the web app's PostgreSQL database; deck contents live
in SQLite or in one JSON document per deck under --deck-dir.

Example:
  decksync serve --listen :9999 --db ./decksync.db
  decksync serve --deck-backend json --deck-dir ./decks --status-listen :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "sync listen address")
	cmd.Flags().StringVar(&opts.StatusListen, "status-listen", "", "HTTP status listen address (empty disables)")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.DeckBackend, "deck-backend", "", "deck store (sqlite|json)")
	cmd.Flags().StringVar(&opts.DeckDir, "deck-dir", "", "directory of JSON deck documents")
	cmd.Flags().StringVar(&opts.PrivilegeDriver, "privilege-driver", "", "privilege store (sqlite|postgres)")
	cmd.Flags().StringVar(&opts.PostgresDSN, "postgres-dsn", "", "PostgreSQL connection string")

	return cmd
}

// serverConfig loads the config file and environment, then applies the
// flags that were set explicitly.
func (o *ServeOptions) serverConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("listen", &cfg.Server.Listen, o.Listen)
	set("status-listen", &cfg.Server.StatusListen, o.StatusListen)
	set("db", &cfg.Server.DBPath, o.DBPath)
	set("deck-backend", &cfg.Server.DeckBackend, o.DeckBackend)
	set("deck-dir", &cfg.Server.DeckDir, o.DeckDir)
	set("privilege-driver", &cfg.Server.PrivilegeDriver, o.PrivilegeDriver)
	set("postgres-dsn", &cfg.Server.PostgresDSN, o.PostgresDSN)

	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.serverConfig(cmd)
	if err != nil {
		return err
	}
	logger := opts.logger(cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	be, err := openBackend(ctx, cfg.Server, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer func() {
		if closeErr := be.Close(); closeErr != nil {
			logger.Error("error closing storage", "error", closeErr)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	var httpSrv *http.Server
	var statusLn net.Listener
	if cfg.Server.StatusListen != "" {
		statusLn, err = net.Listen("tcp", cfg.Server.StatusListen)
		if err != nil {
			ln.Close()
			return WrapExitError(ExitCommandError, "failed to listen for status", err)
		}
		httpSrv = &http.Server{
			Handler:           status.NewHandler(statusDecks{be.privileges, be.decks}, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	srv := server.New(be.privileges, be.decks, identity.UUIDv7Generator{}, server.Config{
		ReadTimeout:   cfg.Server.ReadTimeout.Duration,
		WriteTimeout:  cfg.Server.WriteTimeout.Duration,
		MaxBatchBytes: cfg.Server.MaxBatchBytes,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	if httpSrv != nil {
		g.Go(func() error {
			if err := httpSrv.Serve(statusLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()

		var errs []error
		if httpSrv != nil {
			errs = append(errs, httpSrv.Shutdown(shutdownCtx))
		}
		errs = append(errs, srv.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	statusAddr := ""
	if statusLn != nil {
		statusAddr = statusLn.Addr().String()
	}
	logger.Info("server started", "listen", ln.Addr().String(), "status", statusAddr,
		"deck_backend", cfg.Server.DeckBackend, "privilege_driver", cfg.Server.PrivilegeDriver)
	fmt.Fprintf(cmd.OutOrStdout(), "Sync server listening on %s\n", ln.Addr())
	if opts.Ready != nil {
		opts.Ready(ln.Addr().String(), statusAddr)
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
