// Package outputmux implements spec §4.6: watch a child's forwarded output
// pipes and forward data chunks as protocol messages, one read = one
// message, with no internal reblocking.
package outputmux

import (
	"errors"
	"io"
	"os"

	"go.uber.org/zap"
)

// readBufSize sits within spec §4.6's 8-64 KiB window.
const readBufSize = 32 * 1024

// Chunk is either a data read (Err == nil, len(Data) > 0) or a terminal
// event (EOF true, or Err set for a non-EOF read failure treated as
// implicit EOF per spec §7).
type Chunk struct {
	Tag    uint32
	Stream uint32 // protocol.StreamStdout or protocol.StreamStderr
	Data   []byte
	EOF    bool
	Err    error
}

// Watch reads f in a loop, emitting one Chunk per successful read and a
// final EOF Chunk when the peer closes its end, then closes f itself (the
// forwarded pipe read-end is owned by the child record, closed on EOF per
// spec §5).
func Watch(log *zap.Logger, tag uint32, stream uint32, f *os.File, out chan<- Chunk) {
	defer f.Close()

	buf := make([]byte, readBufSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- Chunk{Tag: tag, Stream: stream, Data: data}
		}
		if err != nil {
			reportErr := err
			if errors.Is(err, io.EOF) {
				reportErr = nil
			} else {
				log.Warn("forwarded pipe read error, treating as EOF", zap.Uint32("tag", tag), zap.Uint32("stream", stream), zap.Error(err))
			}
			out <- Chunk{Tag: tag, Stream: stream, EOF: true, Err: reportErr}
			return
		}
	}
}
