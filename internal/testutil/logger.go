// Package testutil provides shared test helpers for orderlist packages.
package testutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger returns a Zap logger that writes through t.Log, so output is only
// shown for failing tests or with -v.
func Logger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel))
}
