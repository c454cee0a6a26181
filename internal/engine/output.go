package engine

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/pysched/pysched/internal/eventbus"
	"github.com/pysched/pysched/internal/stringutil"
)

// truncationMarker is appended once when a stream exceeds its byte limit.
const truncationMarker = "\n... [output truncated]"

// outputCapture accumulates one stdio stream up to a byte limit while
// publishing each line as a live event. Bytes past the limit are discarded;
// the marker is appended exactly once at read time.
type outputCapture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newOutputCapture(limit int) *outputCapture {
	return &outputCapture{limit: limit}
}

func (c *outputCapture) append(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return
	}
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.truncated = true
		return
	}
	if len(line)+1 > remaining {
		// Cut on a rune boundary so the tail never holds a split character.
		c.buf.WriteString(stringutil.TruncateBytes(line, remaining, ""))
		c.truncated = true
		return
	}
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
}

// String returns the captured output, marker included when truncated.
func (c *outputCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + truncationMarker
	}
	return c.buf.String()
}

// drainStream reads r line by line, feeding the capture buffer and the event
// bus until EOF. Lines longer than one MiB are split by the scanner buffer.
func drainStream(r io.Reader, capture *outputCapture, bus *eventbus.Bus, eventType eventbus.EventType, recordID int64) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		capture.append(line)
		bus.Publish(eventType, map[string]any{
			"execution_id": recordID,
			"line":         line,
		})
	}
}
