// Command courier runs the private messaging server and its admin helpers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/auth"
	"courier/internal/config"
	"courier/internal/logging"
	"courier/pkg/types"
)

// Exit codes to provide meaningful status to the service manager
const (
	exitOK      = 0
	exitRuntime = 1
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}

type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "courier",
		Short:         "Real-time private messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// a missing .env is normal outside development
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("COURIER_CONFIG_FILE"), "path to a JSON or YAML config file")

	root.AddCommand(newServeCmd(opts), newTokenCmd(opts), newUserCmd(opts))
	return root
}

func (o *options) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath, os.Environ())
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
}

// serve blocks until a signal or a fatal server error, then shuts down
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if log == nil {
		log = logging.Discard()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err, ok := <-application.Errors():
		if ok {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown error: %w", err))
	}
	return runErr
}

func newTokenCmd(opts *options) *cobra.Command {
	var (
		userID string
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token for an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath, os.Environ())
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			token, err := issuer.GenerateToken(userID, name, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "identity the token is issued for")
	cmd.Flags().StringVar(&name, "name", "", "display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newUserCmd(opts *options) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage the identity directory",
	}

	var id, name string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an identity that tokens may be issued for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !types.IsValidIdentityID(id) {
				return types.ErrInvalidIdentityID
			}
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg.Database, log)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if name == "" {
				name = id
			}
			if err := store.CreateUser(cmd.Context(), &types.User{ID: id, DisplayName: name}); err != nil {
				return fmt.Errorf("failed to add user %s: %w", id, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", id)
			return err
		},
	}
	add.Flags().StringVar(&id, "id", "", "identity id (1-50 characters: letters, digits, '_' or '-')")
	add.Flags().StringVar(&name, "name", "", "display name")
	_ = add.MarkFlagRequired("id")

	user.AddCommand(add)
	return user
}
