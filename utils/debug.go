package utils

import "log"

// Debugf prints a debug line. Callers gate it on Config.Debug/DebugEvery.
func Debugf(format string, args ...any) {
	log.Printf("[debug] "+format, args...)
}
