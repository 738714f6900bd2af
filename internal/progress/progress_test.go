package progress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"ragpipe/internal/ingest"
)

func TestBarCountsTerminalStates(t *testing.T) {
	b := NewBar(&bytes.Buffer{}, "ingesting")
	b.Start(3)
	b.Advance("a", ingest.StateChunked)
	b.Advance("a", ingest.StateEmbedded)
	b.Advance("a", ingest.StateStored)
	b.Advance("b", ingest.StateFailed)
	assert.Equal(t, 2, b.Done())
	b.Finish()
}

func TestNewDisabledOffTerminal(t *testing.T) {
	assert.Nil(t, New(&bytes.Buffer{}, "x"))
}

func TestBarWithoutStartIsSafe(t *testing.T) {
	b := NewBar(&bytes.Buffer{}, "x")
	b.Advance("a", ingest.StateStored)
	b.Finish()
	assert.Equal(t, 1, b.Done())
}
