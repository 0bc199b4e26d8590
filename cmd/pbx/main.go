// Command pbx runs the telephone switch simulator: it loads
// configuration, starts the registry-backed TCP line protocol, and
// optionally the read-only admin HTTP surface, then waits for a
// shutdown signal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowpbx/pbxsim/internal/adminapi"
	"github.com/flowpbx/pbxsim/internal/config"
	"github.com/flowpbx/pbxsim/internal/driver"
	"github.com/flowpbx/pbxsim/internal/pbx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting pbxsim",
		"port", cfg.Port,
		"max_extensions", cfg.MaxExtensions,
		"admin_addr", cfg.AdminAddr,
	)

	registry := pbx.New(cfg.MaxExtensions, logger)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logger.Error("failed to bind listen socket", "error", err)
		os.Exit(1)
	}

	guard := driver.NewConnGuard(cfg.AcceptRate, cfg.AcceptBurst)
	svc := driver.New(registry, guard, logger)

	acceptCtx, cancelAccept := context.WithCancel(context.Background())
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- svc.Serve(acceptCtx, ln)
	}()

	var adminSrv *adminapi.Server
	adminDone := make(chan struct{})
	cancelAdmin := func() {}
	if cfg.AdminEnabled() {
		adminSrv = adminapi.New(cfg.AdminAddr, registry, logger)
		var adminCtx context.Context
		adminCtx, cancelAdmin = context.WithCancel(context.Background())
		go func() {
			defer close(adminDone)
			if err := adminSrv.Start(adminCtx); err != nil {
				logger.Error("admin http surface stopped", "error", err)
			}
		}()
	} else {
		close(adminDone)
	}

	// SIGHUP is the spec-mandated shutdown trigger (§6 Signals); SIGINT
	// and SIGTERM are treated the same way as an additive convenience,
	// matching the signal set the teacher's main.go listens for.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	serveAlreadyDone := false
	select {
	case s := <-sig:
		logger.Info("received shutdown signal", "signal", s.String())
	case err := <-serveErrCh:
		serveAlreadyDone = true
		if err != nil {
			logger.Error("driver accept loop stopped unexpectedly", "error", err)
		}
	}

	logger.Info("shutting down")
	cancelAccept()
	registry.Shutdown()
	if !serveAlreadyDone {
		<-serveErrCh
	}
	cancelAdmin()
	<-adminDone

	logger.Info("shutdown complete")
}
