package logger

import (
	"io"
	"log"
	"os"
)

// New returns the gateway's stdout logger; swap in structured logging when
// needed.
func New() *log.Logger {
	return NewWith(os.Stdout)
}

// NewWith returns a logger writing to w, used by tests to capture output.
func NewWith(w io.Writer) *log.Logger {
	return log.New(w, "crosslock ", log.LstdFlags|log.Lmsgprefix)
}
