package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/besafe/chat/internal/apiclient"
	"github.com/besafe/chat/internal/app"
	"github.com/besafe/chat/internal/chat"
	"github.com/besafe/chat/internal/config"
	"github.com/besafe/chat/internal/lock"
	"github.com/besafe/chat/internal/profile"
	"github.com/besafe/chat/internal/store"
)

var (
	profileFlag string
	jsonFlag    bool
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "besafectl",
	Short:         "Command-line client for BeSafe chat",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "also log to stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env is the client core a command runs against.
type env struct {
	profile string
	cfg     *config.Config
	svc     *chat.Service
	api     *apiclient.Client
	db      *store.DB
}

// withClient starts the client core for the selected profile, runs fn and
// stops the core again.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return err
	}
	e := &env{cfg: cfg, profile: profile.Resolve(profileFlag, cfg)}
	if err := profile.ValidateName(e.profile); err != nil {
		return err
	}

	fxApp := fx.New(
		fx.NopLogger,
		app.Module(app.Params{Profile: e.profile, Config: cfg, Console: verboseFlag}),
		fx.Populate(&e.svc, &e.api, &e.db),
	)
	ctx := cmd.Context()
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("profile %q is in use by pid %d", e.profile, held.PID)
		}
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = fxApp.Stop(stopCtx)
	}()

	return fn(ctx, e)
}

// signedIn returns the stored user id or an error telling the user to log in.
func (e *env) signedIn(ctx context.Context) (string, error) {
	token, err := e.db.Token(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("not logged in on profile %q, run: besafectl login <user id>", e.profile)
	}
	return e.db.UserID(ctx)
}
