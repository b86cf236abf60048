//go:build linux

// Package reaper implements spec §4.5: consume SIGCHLD notifications and
// reap terminated children without ever blocking the main loop.
//
// Go's signal.Notify already is the async-signal-safe self-pipe spec §9
// describes implementing by hand in C; reaper does not reimplement one.
package reaper

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// Event reports one reaped child, ready to become a status-5 message.
type Event struct {
	PID        int
	WaitStatus syscall.WaitStatus
}

// Run watches for SIGCHLD and emits an Event for every child reaped via a
// non-blocking, any-child Wait4 call, until ctx is cancelled. It never
// calls a blocking wait while other work could be serviced (spec §5).
func Run(ctx context.Context, log *zap.Logger, events chan<- Event) {
	log = log.Named("reaper")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	// A SIGCHLD may have arrived before Notify was registered, or a reap
	// may have left more zombies than one signal coalesces to just one
	// wakeup; drain unconditionally once at startup and after every
	// wakeup so nothing is missed.
	drain(log, events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			drain(log, events)
		}
	}
}

// drain calls Wait4 in non-blocking, any-child mode until it reports no
// more terminated children (ECHILD or pid 0), per spec §4.5.
func drain(log *zap.Logger, events chan<- Event) {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil {
			if err == syscall.ECHILD {
				return // no children at all
			}
			log.Debug("wait4 failed", zap.Error(err))
			return
		}
		if pid <= 0 {
			return // nothing more ready
		}
		events <- Event{PID: pid, WaitStatus: ws}
	}
}
