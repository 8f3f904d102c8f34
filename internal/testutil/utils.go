package testutil

import (
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger for wiring into store, session and gateway
// constructors under test. Output goes to stdout so `go test -v` interleaves
// it with the test's own output.
func TestLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(os.Stdout, "[chatsync-test] ", log.Lmicroseconds)
}
