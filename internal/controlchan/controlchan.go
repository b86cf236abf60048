//go:build linux

// Package controlchan implements spec §4.1: reading framed spawn requests
// carrying ancillary file descriptors off the inbound local socket.
package controlchan

import (
	"errors"
	"fmt"
	"os"

	"github.com/edirooss/procsupervisor/internal/protocol"
	"golang.org/x/sys/unix"
)

// maxAncillaryFDs bounds the OOB buffer size for a single receive; spawn
// requests carry at most three standard descriptors in the reference
// protocol plus headroom for unusual clients.
const maxAncillaryFDs = 16

// Request is one decoded spawn request together with the descriptors that
// accompanied it, ready for internal/launcher.
type Request struct {
	Spawn *protocol.SpawnRequest
	FDs   []*os.File

	// IllFormed is set when the request cannot be spawned: the frame itself
	// violates §4.1's well-formedness rule, the descriptor count does not
	// match the header, or the body fails §4.2 validation. FDs received
	// with an ill-formed request are already closed and FDs is nil.
	IllFormed bool
	// DecodeErr is set, together with IllFormed, when the frame header was
	// well-formed but the descriptor count or the body was not; it is nil
	// when the header itself was ill-formed.
	DecodeErr error
}

// Reader reads spawn requests off a connected unix socket fd.
type Reader struct {
	fd int
}

// NewReader wraps a connected SOCK_STREAM unix socket file descriptor.
// Ownership of fd passes to the Reader; it is not duplicated.
func NewReader(fd int) *Reader {
	return &Reader{fd: fd}
}

// ReadRequest performs the header read, then the single body+ancillary
// receive spec §4.1 requires ("must be received as a single receive
// operation so that the attached descriptors match").
//
// End-of-stream is returned as an error for which IsEOF reports true; any
// other read error is treated as end-of-stream by the caller per spec §4.1.
func (r *Reader) ReadRequest() (*Request, error) {
	hdrBuf := make([]byte, 8)
	if err := readFull(r.fd, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := protocol.DecodeFrameHeader(hdrBuf)
	if err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}

	if !hdr.WellFormed() {
		// Still must perform the matching receive to drain whatever the
		// client sent and collect (then close) any attached descriptors,
		// per spec §4.1: "received descriptors are closed and the request
		// is reported as ill-formed."
		body := make([]byte, hdr.DataLen)
		oob := make([]byte, unix.CmsgSpace(maxAncillaryFDs*4))
		n, oobn, _, _, err := unix.Recvmsg(r.fd, body, oob, 0)
		fds := parseRights(oob[:oobn])
		closeAll(fds)
		if err != nil && n == 0 && oobn == 0 {
			return nil, err
		}
		return &Request{IllFormed: true}, nil
	}

	body := make([]byte, hdr.DataLen)
	oob := make([]byte, unix.CmsgSpace(maxAncillaryFDs*4))
	n, oobn, _, _, err := unix.Recvmsg(r.fd, body, oob, 0)
	if err != nil {
		return nil, err
	}
	if n != len(body) {
		return nil, fmt.Errorf("short body receive: got %d want %d", n, len(body))
	}

	fds := parseRights(oob[:oobn])
	if len(fds) != int(hdr.NFDs) {
		closeAll(fds)
		return &Request{IllFormed: true, DecodeErr: fmt.Errorf("expected %d fds, received %d", hdr.NFDs, len(fds))}, nil
	}

	files := make([]*os.File, len(fds))
	for i, fd := range fds {
		files[i] = os.NewFile(uintptr(fd), fmt.Sprintf("passed-fd-%d", i))
	}

	spawn, err := protocol.DecodeSpawnRequest(body, len(files))
	if err != nil {
		closeFiles(files)
		return &Request{IllFormed: true, DecodeErr: err}, nil
	}

	return &Request{Spawn: spawn, FDs: files}, nil
}

// Close closes the underlying connection.
func (r *Reader) Close() error {
	return unix.Close(r.fd)
}

// Fd returns the raw descriptor, for registering write-side use elsewhere
// (the status channel shares this same connection, per SPEC_FULL.md §0).
func (r *Reader) Fd() int { return r.fd }

func readFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Read(fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return errEOF
		}
		buf = buf[n:]
	}
	return nil
}

var errEOF = errors.New("controlchan: end of stream")

// IsEOF reports whether err signals end-of-stream for the control channel.
func IsEOF(err error) bool {
	return errors.Is(err, errEOF)
}

func parseRights(oob []byte) []int {
	if len(oob) == 0 {
		return nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
