package util

import (
	"testing"

	"github.com/go-kit/log"
)

// Logger is a nop global logger
var Logger = log.NewNopLogger()

// TestLogger returns a go-kit logger writing through t.
func TestLogger(t testing.TB) log.Logger {
	return log.LoggerFunc(func(keyvals ...interface{}) error {
		t.Log(keyvals...)
		return nil
	})
}
