package app

import (
	"os"
	"sync"
	"sync/atomic"
)

// LEDGER_TEST_MODE=1 makes ledgerd and worker exit before they load config,
// open the Postgres pool, dial Redis or start the asynq server, so test
// harnesses can build and launch the binaries with no backing services.
const testModeEnv = "LEDGER_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether LEDGER_TEST_MODE is set. The value is read once
// and cached; call RefreshTestMode after changing the environment.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads LEDGER_TEST_MODE.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
