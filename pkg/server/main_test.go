package server

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestMain silences the package loggers once, before any server goroutine
// can read them.
func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}
