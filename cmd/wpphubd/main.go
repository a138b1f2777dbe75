package main

import (
	"flag"

	"github.com/matheus3301/wpphub/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file (default ~/.wpphub/config.toml)")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag, Debug: *debugFlag}),
	)

	app.Run()
}
