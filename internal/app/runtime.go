package app

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// testModeEnv is set by the testing package so entrypoints return before
// dialing Postgres, Redis, Kafka or the collector.
const testModeEnv = "STOCKLEDGER_TEST_MODE"

type runtimeMode struct {
	test bool
}

var currentMode atomic.Pointer[runtimeMode]

// loadRuntimeMode parses the flag with strconv.ParseBool. Anything it
// rejects, including an empty value, means production mode.
func loadRuntimeMode() *runtimeMode {
	on, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(testModeEnv)))
	mode := &runtimeMode{test: err == nil && on}
	currentMode.Store(mode)
	return mode
}

// InTestMode reports whether the stockledger binaries should skip startup.
func InTestMode() bool {
	if mode := currentMode.Load(); mode != nil {
		return mode.test
	}
	return loadRuntimeMode().test
}

// RefreshTestMode re-reads the flag after the environment changed.
func RefreshTestMode() {
	loadRuntimeMode()
}
