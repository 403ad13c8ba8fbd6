// Package assert reports programming-contract violations.
//
// Builds tagged netenginedebug panic on a violation; regular builds log it
// at error level and let the caller continue with its best-effort fallback.
package assert

import (
	"fmt"

	"go.uber.org/zap"
)

// That checks cond. On violation it panics in debug builds, otherwise it
// logs msg and returns false so the caller can take its fallback path.
func That(logger *zap.Logger, cond bool, msg string, fields ...zap.Field) bool {
	if cond {
		return true
	}
	if Enabled {
		panic(fmt.Sprintf("netengine: contract violation: %s", msg))
	}
	if logger != nil {
		logger.Error("contract violation: "+msg, fields...)
	}
	return false
}
