// Package session carries the per-run process state: the adb bridge whose
// server must be stopped on exit and the interrupt policy.
//
// Before Arm, one interrupt cancels the run. Once armed for the destructive
// phase, it takes three interrupts, each one printing how many remain.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// ArmedInterrupts is how many interrupts cancel an armed session.
const ArmedInterrupts = 3

// ErrInterrupted is the cancellation cause after the user interrupts the run.
var ErrInterrupted = errors.New("interrupted")

// BridgeKiller stops the adb server.
type BridgeKiller interface {
	KillServer(ctx context.Context) error
}

// Session is created once per command invocation.
type Session struct {
	out io.Writer

	mu     sync.Mutex
	armed  bool
	count  int
	bridge BridgeKiller
	cancel context.CancelCauseFunc

	shutdown sync.Once
}

// New creates a session that prints interrupt notices to out.
func New(out io.Writer) *Session {
	return &Session{out: out}
}

// Watch returns a context cancelled by the interrupt policy. stop releases
// the signal handler.
func (s *Session) Watch(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancelCause(parent)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				s.Interrupt()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
			cancel(nil)
		})
	}
}

// Arm switches to the three-interrupt policy.
func (s *Session) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.count = 0
}

// Disarm restores the single-interrupt policy.
func (s *Session) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
	s.count = 0
}

// Interrupt applies the interrupt policy once.
func (s *Session) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed {
		s.count++
		if remaining := ArmedInterrupts - s.count; remaining > 0 {
			times := "times"
			if remaining == 1 {
				times = "time"
			}
			fmt.Fprintf(s.out, "Press CTRL+C %d more %s to exit\n", remaining, times)
			slog.Warn("interrupt_ignored", "remaining", remaining)
			return
		}
		fmt.Fprintf(s.out, "CTRL+C pressed %d times. Exiting\n", ArmedInterrupts)
	} else {
		fmt.Fprintln(s.out, "CTRL+C pressed. Exiting")
	}
	slog.Warn("interrupted", "armed", s.armed)
	if s.cancel != nil {
		s.cancel(ErrInterrupted)
	}
}

// SetBridge records the adb client whose server Shutdown stops.
func (s *Session) SetBridge(b BridgeKiller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
}

// Shutdown stops the adb server if one was started. Only the first call
// does anything.
func (s *Session) Shutdown() {
	s.shutdown.Do(func() {
		s.mu.Lock()
		b := s.bridge
		s.mu.Unlock()
		if b == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fmt.Fprintln(s.out, "Stopping adb server")
		if err := b.KillServer(ctx); err != nil {
			slog.Warn("adb_server_kill_failed", "error", err)
			return
		}
		slog.Info("adb_server_stopped")
	})
}
