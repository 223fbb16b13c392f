package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/app"
	"github.com/ncandio/Health-Check-PostgreSQL/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	systemd.Ready()
	go systemd.RunWatchdog(ctx)

	// Block until a signal arrives or a component dies fatally.
	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	reason := app.StopSignal
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		reason = app.StopFatalError
	}

	systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	_ = a.Stop(stopCtx, reason)
	stopCancel()

	if reason == app.StopFatalError {
		os.Exit(1)
	}
}
