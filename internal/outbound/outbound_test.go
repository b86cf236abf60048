package outbound

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/edirooss/procsupervisor/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingWriter struct{ err error }

func (w *failingWriter) Write(b []byte) (int, error) { return 0, w.err }

func TestWriterDeliversInOrder(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	w := New(zap.NewNop(), &syncWriter{w: &buf, mu: &mu}, 8)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); w.Run() }()

	w.Submit(protocol.StatusMessage{Tag: 1, Status: protocol.StatusStarted, Value: 10})
	w.Submit(protocol.StatusMessage{Tag: 2, Status: protocol.StatusExited, Value: 0})
	w.Close()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 32, buf.Len()) // two 16-byte headers, no payload

	first, err := protocol.DecodeStatusHeader(buf.Bytes()[0:16])
	require.NoError(t, err)
	second, err := protocol.DecodeStatusHeader(buf.Bytes()[16:32])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.Tag)
	assert.Equal(t, uint32(2), second.Tag)
}

func TestWriterSuppressesAfterWriteFailure(t *testing.T) {
	w := New(zap.NewNop(), &failingWriter{err: errors.New("broken pipe")}, 8)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); w.Run() }()

	w.Submit(protocol.StatusMessage{Tag: 1, Status: protocol.StatusStarted})
	w.Close()
	wg.Wait()

	assert.True(t, w.Suppressed())
}

func TestSubmitDropsSilentlyWhenSuppressed(t *testing.T) {
	w := New(zap.NewNop(), &failingWriter{err: errors.New("broken pipe")}, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); w.Run() }()

	w.Submit(protocol.StatusMessage{Tag: 1, Status: protocol.StatusStarted})
	w.Close()
	wg.Wait()

	require.True(t, w.Suppressed())
	// Submit on a suppressed writer must not panic or block, even with no
	// Run goroutine draining its queue.
	assert.NotPanics(t, func() {
		w2 := New(zap.NewNop(), &bytes.Buffer{}, 1)
		w2.suppressed.Store(true)
		w2.Submit(protocol.StatusMessage{Tag: 9})
	})
}

// syncWriter guards an io.Writer with an external mutex so the test can
// safely read buf concurrently with Run's writes.
type syncWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}
