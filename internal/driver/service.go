// Package driver implements the external client-service collaborator
// described by spec.md §4.4: the listening socket, accept loop, and
// per-connection line reader that dispatch client commands into the
// tu/pbx core. None of this package's logic participates in the
// pair-lock discipline; it only calls the well-defined TU/Registry
// operations (§5 Registry/TU ordering is entirely the callee's concern).
package driver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/flowpbx/pbxsim/internal/pbx"
	"github.com/flowpbx/pbxsim/internal/tu"
)

// Service owns the listening socket and spawns one worker goroutine per
// accepted connection, exactly the "one logical worker per client
// connection, plus the accept loop" scheduling model of §5.
type Service struct {
	registry *pbx.Registry
	guard    *ConnGuard
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a driver bound to registry, rate-limiting accepted
// connections per source IP via guard.
func New(registry *pbx.Registry, guard *ConnGuard, logger *slog.Logger) *Service {
	return &Service{
		registry: registry,
		guard:    guard,
		logger:   logger.With("component", "driver"),
	}
}

// Serve runs the accept loop on ln until ctx is cancelled or ln is
// closed; any other Accept error is logged and the loop keeps accepting.
// A cancelled context triggers a clean exit of the accept loop,
// standing in for the source's "accept returning EINTR during shutdown
// must exit cleanly" requirement (§6 Signals) — the idiomatic Go
// equivalent is closing the listener from the shutdown path, which
// unblocks the pending Accept with a net.ErrClosed.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.logger.Info("accept loop exiting", "reason", ctx.Err())
				s.wg.Wait()
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		remote := conn.RemoteAddr().String()
		if s.guard != nil && !s.guard.Allow(remote) {
			s.logger.Warn("connection rejected by rate limiter", "remote", remote)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Wait blocks until every in-flight connection handler has returned.
// Serve already waits internally before returning, but callers that
// trigger shutdown via Registry.Shutdown (rather than context
// cancellation) can use this to know when the driver side has drained.
func (s *Service) Wait() {
	s.wg.Wait()
}

// handleConn implements §4.4's per-connection contract: create a TU,
// register it, read and dispatch command lines, and on EOF or read
// error hang up, unregister, and drop the driver's reference.
func (s *Service) handleConn(conn net.Conn) {
	sessionID := uuid.NewString()
	logger := s.logger.With("session_id", sessionID, "remote", conn.RemoteAddr().String())

	t := tu.New(tcpConn{conn}, logger)

	ext, err := s.registry.RegisterNext(t)
	if err != nil {
		logger.Warn("registration failed, closing connection", "error", err)
		conn.Close()
		return
	}
	logger = logger.With("extension", ext)
	logger.Info("tu registered")

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		dispatch(t, s.registry, strings.TrimLeft(line, " \t"), logger)
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("connection read error", "error", err)
	} else {
		logger.Debug("connection closed by peer")
	}

	t.Hangup()
	if err := s.registry.Unregister(t); err != nil {
		logger.Warn("unregister failed", "error", err)
	}
	t.Unref()
}

// dispatch implements the §4.4 command table.
func dispatch(t *tu.TU, registry *pbx.Registry, line string, logger *slog.Logger) {
	switch {
	case line == "pickup":
		t.Pickup()

	case line == "hangup":
		t.Hangup()

	case line == "dial" || strings.HasPrefix(line, "dial "):
		arg := strings.TrimSpace(strings.TrimPrefix(line, "dial"))
		ext, err := strconv.Atoi(arg)
		if err != nil {
			ext = 0
		}
		registry.Dial(t, ext)

	case line == "chat" || strings.HasPrefix(line, "chat "):
		msg := strings.TrimPrefix(line, "chat")
		msg = strings.TrimPrefix(msg, " ")
		t.Chat(msg)

	default:
		logger.Debug("ignoring unrecognized command", "line", line)
	}
}
