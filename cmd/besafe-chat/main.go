package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/besafe/chat/internal/apiclient"
	"github.com/besafe/chat/internal/app"
	"github.com/besafe/chat/internal/chat"
	"github.com/besafe/chat/internal/config"
	"github.com/besafe/chat/internal/lock"
	"github.com/besafe/chat/internal/profile"
	"github.com/besafe/chat/internal/store"
	"github.com/besafe/chat/internal/tui"
	"github.com/besafe/chat/internal/tui/model"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	if err := run(*profileFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(profileFlag string) error {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return err
	}
	name := profile.Resolve(profileFlag, cfg)
	if err := profile.ValidateName(name); err != nil {
		return err
	}

	var (
		svc *chat.Service
		api *apiclient.Client
		db  *store.DB
	)
	fxApp := fx.New(
		fx.NopLogger,
		app.Module(app.Params{Profile: name, Config: cfg, AutoConnect: true}),
		fx.Populate(&svc, &api, &db),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("profile %q is already open in another process (pid %d)", name, held.PID)
		}
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = fxApp.Stop(stopCtx)
	}()

	token, err := db.Token(startCtx)
	if err != nil {
		return err
	}

	vm := model.NewViewModel(svc, api, db)
	return tui.NewApp(vm, tui.Options{Profile: name, SignedOut: token == ""}).Run()
}
