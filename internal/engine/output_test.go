package engine

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysched/pysched/internal/eventbus"
)

func TestOutputCaptureWithinLimit(t *testing.T) {
	c := newOutputCapture(1024)
	c.append("first line")
	c.append("second line")
	assert.Equal(t, "first line\nsecond line\n", c.String())
}

func TestOutputCaptureTruncates(t *testing.T) {
	c := newOutputCapture(10)
	c.append("0123456789abcdef")
	got := c.String()
	assert.True(t, strings.HasPrefix(got, "0123456789"))
	assert.True(t, strings.HasSuffix(got, truncationMarker))

	// Later lines are discarded, the marker appears once.
	c.append("more")
	assert.Equal(t, got, c.String())
	assert.Equal(t, 1, strings.Count(c.String(), truncationMarker))
}

func TestOutputCaptureExactBoundary(t *testing.T) {
	c := newOutputCapture(6)
	c.append("12345")
	// "12345\n" fills the limit exactly without truncation.
	assert.Equal(t, "12345\n", c.String())

	c.append("x")
	assert.True(t, strings.HasSuffix(c.String(), truncationMarker))
}

func TestOutputCaptureCutsOnRuneBoundary(t *testing.T) {
	line := "héllo wörld"
	for limit := 1; limit <= len(line); limit++ {
		c := newOutputCapture(limit)
		c.append(line)
		assert.True(t, utf8.ValidString(c.String()), "limit %d split a rune", limit)
	}
}

func TestDrainStreamPublishesLines(t *testing.T) {
	bus := eventbus.New(0)
	defer bus.Shutdown()
	sub := bus.Subscribe(eventbus.TypeFilter(eventbus.EventRunStdout))
	defer sub.Close()

	capture := newOutputCapture(1024)
	drainStream(strings.NewReader("alpha\nbeta\n"), capture, bus, eventbus.EventRunStdout, 42)

	assert.Equal(t, "alpha\nbeta\n", capture.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	require.True(t, ok)
	data := ev.Data.(map[string]any)
	assert.EqualValues(t, 42, data["execution_id"])
	assert.Equal(t, "alpha", data["line"])
}
