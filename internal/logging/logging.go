// Package logging provides the verbose diagnostic logger threaded
// through every component. Non-verbose runs pass a nil *log.Logger;
// components treat a nil logger as "log nothing".
package logging

import (
	"io"
	"log"
	"os"
)

// New returns a logger writing to stderr when verbose is true, and nil
// otherwise.
func New(verbose bool) *log.Logger {
	if !verbose {
		return nil
	}
	return log.New(os.Stderr, "", 0)
}

// Discard is a logger that writes nowhere, useful in tests that want a
// non-nil logger without stderr noise.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
