package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatbook/internal/config"
	"github.com/matheus3301/chatbook/internal/daemon"
	"github.com/matheus3301/chatbook/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	headless := flag.Bool("headless", false, "run without the interactive console")
	flag.Parse()

	if err := config.LoadDotenv(profile.EnvPath()); err != nil {
		fatal(err)
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fatal(err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fatal(err)
	}

	profileName := profile.Resolve(*profileFlag, cfg)
	if err := profile.ValidateName(profileName); err != nil {
		fatal(err)
	}

	p := daemon.Params{ProfileName: profileName, Config: cfg, Out: os.Stdout}
	if !*headless {
		p.In = os.Stdin
	}
	app := fx.New(
		daemon.Module(p),
		fx.NopLogger,
	)

	app.Run()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
