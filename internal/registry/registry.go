// Package registry implements the child table: the authoritative registry
// of in-flight work described in spec §3/§4.4, indexed by both tag and pid.
package registry

import (
	"fmt"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
)

// Child is one in-flight or recently-finished supervised process.
//
// Fields mirror spec §3's child record. Removal happens once both the
// exit status has been reported and every forwarded pipe is confirmed
// closed (done reports that state).
type Child struct {
	Tag   uint32
	PID   int    // valid only after a successful launch
	Argv0 string // exec path this child was launched with, for the audit trail (SPEC_FULL.md §11.4)

	// StdoutForwarded/StderrForwarded record which streams this child had
	// wired as "forwarded" (spec Disposition value 0 on fd 1/2), and thus
	// how many open-output closures we must observe before the record can
	// be finalized.
	StdoutForwarded bool
	StderrForwarded bool
	stdoutOpen      bool
	stderrOpen      bool

	exitReported bool
	waitStatus   int // raw wait-status integer, valid once exitReported

	// SuppressOutput is set after a non-EOF read failure on one of this
	// child's forwarded pipes (distinct from the supervisor-wide
	// output_suppressed flag).
	SuppressOutput bool
}

func newChild(tag uint32, argv0 string, stdoutFwd, stderrFwd bool) *Child {
	return &Child{
		Tag:             tag,
		Argv0:           argv0,
		StdoutForwarded: stdoutFwd,
		StderrForwarded: stderrFwd,
		stdoutOpen:      stdoutFwd,
		stderrOpen:      stderrFwd,
	}
}

// done reports whether this child record has reached its terminal state:
// exit status reported AND every forwarded pipe closed (spec §4.4).
func (c *Child) done() bool {
	return c.exitReported && !c.stdoutOpen && !c.stderrOpen
}

// Table is the child table: tag → child, pid → child, guarded by a single
// mutex. Safe for concurrent use.
type Table struct {
	log *zap.Logger

	mu    sync.Mutex
	byTag map[uint32]*Child
	byPID map[int]*Child
}

// New constructs an empty child table.
func New(log *zap.Logger) *Table {
	return &Table{
		log:   log.Named("registry"),
		byTag: make(map[uint32]*Child),
		byPID: make(map[int]*Child),
	}
}

// ErrTagInUse is returned by Add when the tag already identifies a live
// child (spec §3 registry invariant: "a tag identifies at most one live
// child at a time").
var ErrTagInUse = fmt.Errorf("tag already identifies a live child")

// Add registers a newly-launched child. pid must already be known (the
// child has been successfully started). argv0 is the exec path it was
// launched with, carried only for the audit trail.
func (t *Table) Add(tag uint32, pid int, argv0 string, stdoutFwd, stderrFwd bool) (*Child, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byTag[tag]; ok {
		return nil, ErrTagInUse
	}

	c := newChild(tag, argv0, stdoutFwd, stderrFwd)
	c.PID = pid
	t.byTag[tag] = c
	t.byPID[pid] = c
	return c, nil
}

// ByTag looks up a live child by tag.
func (t *Table) ByTag(tag uint32) (*Child, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byTag[tag]
	return c, ok
}

// ByPID looks up a live child by pid, used by the reaper.
func (t *Table) ByPID(pid int) (*Child, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byPID[pid]
	return c, ok
}

// MarkExited records the raw wait-status for pid and removes the record if
// it is now fully done. Returns the child and whether it was found.
func (t *Table) MarkExited(pid int, waitStatus int) (*Child, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byPID[pid]
	if !ok {
		return nil, false
	}
	c.exitReported = true
	c.waitStatus = waitStatus
	t.finalizeLocked(c)
	return c, true
}

// SetSuppressOutput marks tag's child as having had a non-EOF read failure
// on one of its forwarded pipes (SPEC_FULL.md §12): further output chunks
// for this child are dropped, distinct from the connection-wide
// output_suppressed flag in internal/outbound.
func (t *Table) SetSuppressOutput(tag uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byTag[tag]; ok {
		c.SuppressOutput = true
	}
}

// IsOutputSuppressed reports whether tag's child has SuppressOutput set.
func (t *Table) IsOutputSuppressed(tag uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byTag[tag]
	return ok && c.SuppressOutput
}

// ClosePipe records that one of a child's forwarded pipes has reached EOF,
// removing the record if it is now fully done.
func (t *Table) ClosePipe(tag uint32, stream uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byTag[tag]
	if !ok {
		return
	}
	switch stream {
	case 1:
		c.stdoutOpen = false
	case 2:
		c.stderrOpen = false
	}
	t.finalizeLocked(c)
}

// finalizeLocked removes c from both indices once it is done. Caller must
// hold t.mu.
func (t *Table) finalizeLocked(c *Child) {
	if !c.done() {
		return
	}
	delete(t.byTag, c.Tag)
	delete(t.byPID, c.PID)
}

// Remove forcibly deletes tag's child record from both indices whatever its
// exit and pipe state (no-op for already-absent tags).
func (t *Table) Remove(tag uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byTag[tag]; ok {
		delete(t.byTag, tag)
		delete(t.byPID, c.PID)
	}
}

// Len reports the number of live children, used by the lifecycle
// controller to decide when it is safe to exit (spec §4.8).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTag)
}

// Live returns the pids of every live child, used to deliver shutdown
// signals (spec §4.8).
func (t *Table) Live() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.byPID))
	for pid := range t.byPID {
		out = append(out, pid)
	}
	return out
}

// DebugDump renders a full snapshot of the live child table via go-spew,
// only ever called when the logger is at Debug level (see supervisor).
func (t *Table) DebugDump() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return spew.Sdump(t.byTag)
}

