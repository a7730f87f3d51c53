package relay

import (
	"log"
	"sync/atomic"
)

// debugEnabled controls whether relay debug logging is enabled
var debugEnabled int32

// SetDebugEnabled sets whether relay debug logging is enabled
func SetDebugEnabled(enabled bool) {
	if enabled {
		atomic.StoreInt32(&debugEnabled, 1)
	} else {
		atomic.StoreInt32(&debugEnabled, 0)
	}
}

// IsDebugEnabled returns whether relay debug logging is enabled
func IsDebugEnabled() bool {
	return atomic.LoadInt32(&debugEnabled) == 1
}

// debugLog logs a message only if relay debug logging is enabled
func debugLog(format string, args ...interface{}) {
	if IsDebugEnabled() {
		log.Printf("[Relay] "+format, args...)
	}
}
