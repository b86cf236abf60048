// Package outbound implements spec §4.7: the single goroutine that owns
// the status channel's write side, serializing messages in order and
// handling write failure by suppressing further output rather than
// treating it as fatal.
package outbound

import (
	"io"
	"sync/atomic"

	"github.com/edirooss/procsupervisor/internal/protocol"
	"go.uber.org/zap"
)

// Writer serializes status messages onto a single io.Writer (the
// supervisor's status channel), matching spec §4.7's variant (b): a
// blocking channel with writes serialized on it.
type Writer struct {
	log *zap.Logger
	w   io.Writer

	queue chan protocol.StatusMessage

	suppressed atomic.Bool
}

// New constructs a Writer. queueDepth bounds how many messages may be
// pending before Submit blocks its caller — backpressure, not data loss.
func New(log *zap.Logger, w io.Writer, queueDepth int) *Writer {
	return &Writer{
		log:   log.Named("outbound"),
		w:     w,
		queue: make(chan protocol.StatusMessage, queueDepth),
	}
}

// Suppressed reports whether output_suppressed has been set by a prior
// unrecoverable write failure (spec §3/§4.7).
func (wr *Writer) Suppressed() bool { return wr.suppressed.Load() }

// Submit enqueues a message for delivery. If output is already suppressed,
// the message is silently dropped — "no further status data is emitted"
// per spec §4.7 — without blocking the caller.
func (wr *Writer) Submit(m protocol.StatusMessage) {
	if wr.suppressed.Load() {
		return
	}
	wr.queue <- m
}

// Run drains the queue and writes each message to completion (retrying
// partial writes, per spec §4.7), until the queue is closed via Close.
// On a non-retryable write error it sets output_suppressed and continues
// draining (discarding) the queue so producers never block on a dead
// writer.
func (wr *Writer) Run() {
	for m := range wr.queue {
		if wr.suppressed.Load() {
			continue
		}
		if err := writeFull(wr.w, m.Encode()); err != nil {
			wr.log.Warn("status channel write failed; suppressing further output", zap.Error(err))
			wr.suppressed.Store(true)
		}
	}
}

// Close stops accepting further writes and lets Run drain and return.
func (wr *Writer) Close() { close(wr.queue) }

// writeFull retries partial writes to completion, per spec §4.7.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
