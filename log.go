package kafka

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// Logger is the structured logger used by the client. Every message is
// followed by key/value pairs. Any hclog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

var _ Logger = hclog.NewNullLogger()

// NewLogger returns hclog backed logger writing to w. Unknown level names
// fall back to info.
func NewLogger(name, level string, w io.Writer) Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  lvl,
		Output: w,
	})
}

func nullLogger() Logger {
	return hclog.NewNullLogger()
}
