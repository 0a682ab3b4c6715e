package main

import (
	"flag"

	"github.com/questlog/questlog/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to config.toml (defaults to ~/.questlog/config.toml)")
	userFlag := flag.String("user", "", "user id (overrides config)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath: *configFlag,
			UserID:     *userFlag,
		}),
	)

	app.Run()
}
