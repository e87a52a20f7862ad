// Package log defines the logger interface used in the rsyncd library.
package log

import "log"

// Logger logs messages.
type Logger interface {
	// Printf logs message to the underlaying log output. Arguments are handled in the manner of fmt.Printf.
	Printf(msg string, a ...interface{})
}

// instance is the global instance of the logger.
// Default logger is log.Logger.
var instance Logger = log.Default()

// Printf logs message to the default logger.
func Printf(msg string, a ...interface{}) {
	instance.Printf(msg, a...)
}

// Default returns the current default logger.
func Default() Logger {
	return instance
}

// SetLogger overrides the default logger to use in rsyncd.
// This should be call from the very beggining of the program.
func SetLogger(logger Logger) {
	instance = logger
}
