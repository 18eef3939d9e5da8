package jsonl

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgio "github.com/hed1ad/packetguard/pkg/io"
)

type closeRecorder struct {
	bytes.Buffer
	closed bool
	err    error
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return c.err
}

func TestWriteAll(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteAll([]pgio.Result{
		{Index: 0, Prediction: 0, Probability: 0.1, Timestamp: 1700000000.5},
		{Index: 1, Prediction: 1, Probability: 0.9},
	}))
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"index":0,"prediction":0,"probability":0.1,"timestamp":1700000000.5}`, lines[0])
	assert.JSONEq(t, `{"index":1,"prediction":1,"probability":0.9}`, lines[1])
}

func TestBuffered(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write(pgio.Result{Index: 3, Prediction: 1, Probability: 1}))
	assert.Zero(t, buf.Len())

	require.NoError(t, w.Flush())
	assert.JSONEq(t, `{"index":3,"prediction":1,"probability":1}`, buf.String())
}

func TestClose(t *testing.T) {
	t.Run("closes underlying writer", func(t *testing.T) {
		c := &closeRecorder{}
		w := NewWriter(c)
		require.NoError(t, w.Write(pgio.Result{Index: 1}))
		require.NoError(t, w.Close())

		assert.True(t, c.closed)
		assert.NotEmpty(t, c.String())
	})

	t.Run("close error", func(t *testing.T) {
		c := &closeRecorder{err: errors.New("disk full")}
		assert.EqualError(t, NewWriter(c).Close(), "disk full")
	})
}
