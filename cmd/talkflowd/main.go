package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ponzS/talkflow-core/internal/config"
	"github.com/ponzS/talkflow-core/internal/daemon"
	"github.com/ponzS/talkflow-core/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: config: %v\n", err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Cfg: cfg}),
	)

	app.Run()
}
