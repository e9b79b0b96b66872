package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	level := zapcore.InfoLevel
	flag.Var(&level, "log-level", "log level (debug, info, warn, error)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, LogLevel: level}),
	)

	app.Run()
}
