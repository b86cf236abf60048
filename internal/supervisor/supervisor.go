//go:build linux

// Package supervisor implements spec §4.8, the lifecycle controller, and
// wires together every other component into the single event-driven
// process described in spec §2.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/edirooss/procsupervisor/internal/audit"
	"github.com/edirooss/procsupervisor/internal/config"
	"github.com/edirooss/procsupervisor/internal/controlchan"
	"github.com/edirooss/procsupervisor/internal/launcher"
	"github.com/edirooss/procsupervisor/internal/outbound"
	"github.com/edirooss/procsupervisor/internal/outputmux"
	"github.com/edirooss/procsupervisor/internal/protocol"
	"github.com/edirooss/procsupervisor/internal/reaper"
	"github.com/edirooss/procsupervisor/internal/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// state is the lifecycle controller's state machine, spec §4.8.
type state int32

const (
	stateRun state = iota
	stateDrain
	stateHardDrain
)

func (s state) String() string {
	switch s {
	case stateRun:
		return "RUN"
	case stateDrain:
		return "DRAIN"
	case stateHardDrain:
		return "HARD_DRAIN"
	default:
		return "?"
	}
}

// kindlyTerminateSignals is the §9 open-question-3 Variant A set chosen in
// SPEC_FULL.md §0.
var kindlyTerminateSignals = []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM}

// fatalSignals is spec §4.8's "fatal hardware-style signal" set.
var fatalSignals = []os.Signal{syscall.SIGILL, syscall.SIGABRT, syscall.SIGFPE, syscall.SIGBUS, syscall.SIGSEGV}

// Supervisor is the long-running event loop described in spec §2.
type Supervisor struct {
	log   *zap.Logger
	cfg   config.Config
	table *registry.Table
	audit *audit.Sink

	state  atomic.Int32
	connFd int

	writer *outbound.Writer

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup // tracks the grace-timer goroutine spawned by enterDrain
}

// New constructs a Supervisor. Call Run to start the event loop.
func New(log *zap.Logger, cfg config.Config) *Supervisor {
	var sink *audit.Sink
	if cfg.RedisAddr != "" {
		sink = audit.New(log, cfg.RedisAddr)
	} else {
		sink = audit.NewNoop()
	}

	return &Supervisor{
		log:   log.Named("supervisor"),
		cfg:   cfg,
		table: registry.New(log),
		audit: sink,
		done:  make(chan struct{}),
	}
}

func (s *Supervisor) loadState() state { return state(s.state.Load()) }

// Run obtains the control channel (per cfg) and drives the event loop
// until clean shutdown, returning nil on the spec §6 "exit code 0" path.
func (s *Supervisor) Run(ctx context.Context) error {
	connFd, cleanup, err := s.acquireControlChannel()
	if err != nil {
		return fmt.Errorf("acquire control channel: %w", err)
	}
	defer cleanup()
	s.connFd = connFd

	connID := uuid.New()
	log := s.log.With(zap.String("conn_id", connID.String()))

	reader := controlchan.NewReader(connFd)
	s.writer = outbound.New(log, &fdWriter{fd: connFd}, 256)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	reapEvents := make(chan reaper.Event, 32)
	chunks := make(chan outputmux.Chunk, 64)

	g.Go(func() error {
		s.writer.Run()
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx, log, reapEvents)
		return nil
	})
	g.Go(func() error {
		s.signalLoop(gctx, log)
		return nil
	})
	g.Go(func() error {
		s.reapLoop(gctx, log, reapEvents)
		return nil
	})
	g.Go(func() error {
		s.chunkLoop(gctx, log, chunks)
		return nil
	})
	g.Go(func() error {
		s.readLoop(log, reader, chunks)
		return nil
	})

	// Wait for the terminal condition: the child table has drained to
	// empty while shutting_down != RUN (spec §4.8 exit rule).
	<-s.done
	cancel()
	s.writer.Close()
	_ = g.Wait()
	s.wg.Wait()

	return nil
}

// fdWriter adapts a raw fd to io.Writer for outbound.Writer.
type fdWriter struct{ fd int }

func (w *fdWriter) Write(b []byte) (int, error) { return unix.Write(w.fd, b) }

// acquireControlChannel returns a connected SOCK_STREAM fd per cfg: either
// the inherited descriptor directly, or one connection accepted off a
// freshly bound listener at cfg.SocketPath.
func (s *Supervisor) acquireControlChannel() (fd int, cleanup func(), err error) {
	if s.cfg.InheritedFD >= 0 {
		return s.cfg.InheritedFD, func() {}, nil
	}

	_ = os.Remove(s.cfg.SocketPath)
	l, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return 0, nil, err
	}

	conn, err := l.Accept()
	l.Close()
	os.Remove(s.cfg.SocketPath)
	if err != nil {
		return 0, nil, err
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return 0, nil, errors.New("accepted connection is not a unix socket")
	}
	rawConn, err := uc.SyscallConn()
	if err != nil {
		conn.Close()
		return 0, nil, err
	}

	var dupFd int
	var dupErr error
	err = rawConn.Control(func(fdPtr uintptr) {
		dupFd, dupErr = unix.Dup(int(fdPtr))
	})
	if err != nil {
		conn.Close()
		return 0, nil, err
	}
	if dupErr != nil {
		conn.Close()
		return 0, nil, dupErr
	}
	conn.Close() // we hold our own dup now

	return dupFd, func() { unix.Close(dupFd) }, nil
}

// readLoop is the control channel reader + request decoder + child
// launcher, spec §4.1–§4.3.
func (s *Supervisor) readLoop(log *zap.Logger, reader *controlchan.Reader, chunks chan<- outputmux.Chunk) {
	for {
		if s.loadState() != stateRun {
			return
		}

		req, err := reader.ReadRequest()
		if err != nil {
			log.Info("control channel ended", zap.Error(err))
			s.enterDrain(log, syscall.SIGTERM)
			return
		}

		if req.IllFormed {
			if req.DecodeErr != nil {
				var de *protocol.DecodeError
				msg := req.DecodeErr.Error()
				var tag uint32
				if errors.As(req.DecodeErr, &de) && de.HasTag {
					tag = de.Tag
				}
				s.writer.Submit(protocol.StatusMessage{Tag: tag, Status: protocol.StatusIllFormed, Payload: []byte(msg)})
			} else {
				log.Warn("ill-formed request dropped")
			}
			continue
		}

		if s.loadState() != stateRun {
			// Drain entered between the read and here: refuse new spawns.
			// Launch is not called for this request, so its passed
			// descriptors are closed here.
			for _, f := range req.FDs {
				_ = f.Close()
			}
			continue
		}

		s.handleSpawn(log, req, chunks)
	}
}

func (s *Supervisor) handleSpawn(log *zap.Logger, req *controlchan.Request, chunks chan<- outputmux.Chunk) {
	spawn := req.Spawn
	outcome, err := launcher.Launch(log, spawn, req.FDs)
	if err != nil {
		// A pre-exec plumbing failure (pipe/devnull creation, bad
		// disposition index): still a failed launch attempt, not a
		// malformed request, so it is reported as status 1.
		errno, _ := launcher.ErrnoOf(err)
		s.writer.Submit(protocol.StatusMessage{Tag: spawn.Tag, Status: protocol.StatusExecError, Value: uint32(errno), Payload: []byte(err.Error())})
		return
	}

	if !outcome.Started {
		errno, _ := launcher.ErrnoOf(outcome.Err)
		msg := ""
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		s.writer.Submit(protocol.StatusMessage{
			Tag:     spawn.Tag,
			Status:  protocol.StatusExecError,
			Value:   uint32(errno),
			Payload: []byte(msg),
		})
		return
	}

	if _, err := s.table.Add(spawn.Tag, outcome.PID, spawn.Exec, outcome.StdoutForwarded, outcome.StderrForwarded); err != nil {
		// Tag collision: the child already launched under the OS, but the
		// registry invariant (§3) forbids two live children sharing a tag.
		// Kill it immediately and report failure.
		log.Error("tag already in use, killing freshly-launched child", zap.Uint32("tag", spawn.Tag), zap.Int("pid", outcome.PID))
		_ = syscall.Kill(-outcome.PID, syscall.SIGKILL)
		if outcome.Stdout != nil {
			outcome.Stdout.Close()
		}
		if outcome.Stderr != nil {
			outcome.Stderr.Close()
		}
		s.writer.Submit(protocol.StatusMessage{Tag: spawn.Tag, Status: protocol.StatusIllFormed, Payload: []byte(err.Error())})
		return
	}

	log.Info("child started", zap.Uint32("tag", spawn.Tag), zap.Int("pid", outcome.PID))
	s.writer.Submit(protocol.StatusMessage{Tag: spawn.Tag, Status: protocol.StatusStarted, Value: uint32(outcome.PID)})

	if outcome.Stdout != nil {
		go outputmux.Watch(log, spawn.Tag, protocol.StreamStdout, outcome.Stdout, chunks)
	}
	if outcome.Stderr != nil {
		go outputmux.Watch(log, spawn.Tag, protocol.StreamStderr, outcome.Stderr, chunks)
	}
}

// chunkLoop turns outputmux.Chunk values into status-3/status-4 messages
// (spec §4.6) and updates the registry on EOF. Exits on ctx cancellation so
// it never outlives the rest of the event loop even if a producer
// goroutine is still draining a pipe.
func (s *Supervisor) chunkLoop(ctx context.Context, log *zap.Logger, chunks <-chan outputmux.Chunk) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-chunks:
			if !c.EOF {
				if s.table.IsOutputSuppressed(c.Tag) {
					continue
				}
				s.writer.Submit(protocol.StatusMessage{Tag: c.Tag, Status: protocol.StatusOutput, Value: c.Stream, Payload: c.Data})
				continue
			}
			if c.Err != nil {
				// Non-EOF read failure on one of this child's forwarded
				// pipes (SPEC_FULL.md §12): suppress its remaining output
				// rather than just this one stream's.
				s.table.SetSuppressOutput(c.Tag)
			}
			s.writer.Submit(protocol.StatusMessage{Tag: c.Tag, Status: protocol.StatusOutputEOF, Value: c.Stream})
			s.table.ClosePipe(c.Tag, c.Stream)
			s.maybeFinishShutdown(log)
		}
	}
}

// reapLoop turns reaper.Event values into status-5 messages (spec §4.5)
// and updates the registry. Exits on ctx cancellation.
func (s *Supervisor) reapLoop(ctx context.Context, log *zap.Logger, events <-chan reaper.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			child, ok := s.table.ByPID(ev.PID)
			if !ok {
				continue // not one of ours, or already finalized
			}
			s.table.MarkExited(ev.PID, int(ev.WaitStatus))
			s.writer.Submit(protocol.StatusMessage{Tag: child.Tag, Status: protocol.StatusExited, Value: uint32(ev.WaitStatus)})

			if s.audit != nil {
				auditCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				s.audit.Record(auditCtx, audit.Record{
					Tag:        child.Tag,
					PID:        ev.PID,
					Argv0:      child.Argv0,
					WaitStatus: int(ev.WaitStatus),
					At:         time.Now(),
				})
				cancel()
			}

			if log.Core().Enabled(zap.DebugLevel) {
				log.Debug("registry snapshot after reap", zap.String("dump", s.table.DebugDump()))
			}

			s.maybeFinishShutdown(log)
		}
	}
}

// signalLoop watches for "kindly terminate" and fatal signals, spec §4.8.
func (s *Supervisor) signalLoop(ctx context.Context, log *zap.Logger) {
	sigCh := make(chan os.Signal, 4)
	all := append(append([]os.Signal{}, kindlyTerminateSignals...), fatalSignals...)
	signal.Notify(sigCh, all...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if isFatal(sig) {
				s.handleFatalSignal(log, sig)
				return
			}
			osSig, _ := sig.(syscall.Signal)
			log.Info("received termination signal", zap.String("signal", osSig.String()))
			s.enterDrain(log, osSig)
		}
	}
}

func isFatal(sig os.Signal) bool {
	for _, f := range fatalSignals {
		if f == sig {
			return true
		}
	}
	return false
}

// handleFatalSignal implements spec §4.8's crash path: kill every live
// child, restore default disposition, and re-raise so the default action
// (core dump) occurs.
func (s *Supervisor) handleFatalSignal(log *zap.Logger, sig os.Signal) {
	osSig := sig.(syscall.Signal)
	log.Error("fatal signal received, killing all children and re-raising", zap.String("signal", osSig.String()))

	for _, pid := range s.table.Live() {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}

	signal.Reset(osSig)
	_ = syscall.Kill(os.Getpid(), osSig)
}

// enterDrain performs the RUN→DRAIN transition of spec §4.8. Idempotent:
// once not RUN, calling this again is a no-op (shutting_down is monotone).
func (s *Supervisor) enterDrain(log *zap.Logger, sig syscall.Signal) {
	if !s.state.CompareAndSwap(int32(stateRun), int32(stateDrain)) {
		return
	}

	log.Info("entering DRAIN", zap.String("signal", sig.String()))

	for _, pid := range s.table.Live() {
		if err := syscall.Kill(-pid, sig); err != nil {
			log.Warn("failed to signal child process group", zap.Int("pid", pid), zap.Error(err))
		}
	}

	// Close the read side only; the status channel keeps delivering exit
	// events for children still draining (spec §4.8).
	_ = unix.Shutdown(s.connFd, unix.SHUT_RD)

	s.maybeFinishShutdown(log)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.enterHardDrain(log)
		case <-s.done:
		}
	}()
}

// enterHardDrain performs the DRAIN→HARD_DRAIN transition of spec §4.8.
func (s *Supervisor) enterHardDrain(log *zap.Logger) {
	if !s.state.CompareAndSwap(int32(stateDrain), int32(stateHardDrain)) {
		return
	}

	log.Warn("grace period expired, entering HARD_DRAIN")
	for _, pid := range s.table.Live() {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			log.Warn("failed to SIGKILL child process group", zap.Int("pid", pid), zap.Error(err))
		}
	}

	s.maybeFinishShutdown(log)
}

// maybeFinishShutdown implements spec §4.8's exit rule: once shutting_down
// and the child table is empty, the event loop may terminate.
func (s *Supervisor) maybeFinishShutdown(log *zap.Logger) {
	if s.loadState() == stateRun {
		return
	}
	if s.table.Len() != 0 {
		return
	}
	s.once.Do(func() {
		log.Info("child table drained, shutting down")
		close(s.done)
	})
}
