// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced via SetLogger; tests commonly mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Debugf logs per-measurement and per-solve detail. It is a no-op unless
// EnableDebug is called; the solve path is too chatty for production logs.
var Debugf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// EnableDebug routes Debugf through the current Logf.
func EnableDebug() {
	Debugf = func(format string, v ...interface{}) { Logf(format, v...) }
}
