package outputmux

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatchForwardsDataThenEOF(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)

	out := make(chan Chunk, 8)
	done := make(chan struct{})
	go func() {
		Watch(zap.NewNop(), 7, 1, r, out)
		close(done)
	}()

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	w.Close()

	var chunks []Chunk
	for c := range collectUntilEOF(out) {
		chunks = append(chunks, c)
	}
	<-done

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.True(t, last.EOF)
	assert.NoError(t, last.Err)

	var data []byte
	for _, c := range chunks {
		data = append(data, c.Data...)
	}
	assert.Equal(t, "hello", string(data))
}

func TestWatchTagAndStreamPropagated(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	w.Close()

	out := make(chan Chunk, 4)
	Watch(zap.NewNop(), 42, 2, r, out)

	c := <-out
	assert.Equal(t, uint32(42), c.Tag)
	assert.Equal(t, uint32(2), c.Stream)
	assert.True(t, c.EOF)
}

// collectUntilEOF drains ch up to and including the first EOF chunk.
func collectUntilEOF(ch <-chan Chunk) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for c := range ch {
			out <- c
			if c.EOF {
				return
			}
		}
	}()
	return out
}
