// Package ntlog packages the injectable-logger convention used
// throughout this module: an ErrorLog-style func field defaulting to
// log.Printf.
package ntlog

import "log"

// Logger is a printf-style logging function.
type Logger func(format string, args ...interface{})

// Default returns a Logger backed by the standard library's log package.
func Default() Logger {
	return log.Printf
}

// Or returns l if non-nil, otherwise Default().
func Or(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}
