package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogfmtOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Prefix: "worker", Format: "logfmt", Output: &buf})

	l.Info("batch processed", "size", 3)
	l.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "level=info")
	assert.Contains(t, out, "prefix=worker")
	assert.Contains(t, out, `msg="batch processed"`)
	assert.Contains(t, out, "size=3")
	assert.NotContains(t, out, "hidden")
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Debug: true, Format: "logfmt", Output: &buf})
	l.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}
