package dvid

import (
	"fmt"
	"log"
	"sync"
	"time"
)

type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

var (
	// Verbose is set when we want to be exceptionally verbose.
	Verbose bool

	mode          = InfoMode
	logger Logger = stdLogger{}
	logMu  sync.RWMutex
)

// Logger provides a way for the application to log messages at different severities.
type Logger interface {
	// Debugf formats its arguments analogous to fmt.Printf and records the text as a log
	// message at Debug level.
	Debugf(format string, args ...interface{})

	// Infof is like Debugf, but at Info level.
	Infof(format string, args ...interface{})

	// Warningf is like Debugf, but at Warning level.
	Warningf(format string, args ...interface{})

	// Errorf is like Debugf, but at Error level.
	Errorf(format string, args ...interface{})

	// Criticalf is like Debugf, but at Critical level.
	Criticalf(format string, args ...interface{})

	// Shutdown makes sure logs are closed.
	Shutdown()
}

// SetLogMode sets the severity required for a log message to be printed.
// For example, SetLogMode(dvid.WarningMode) will log any calls using
// Warningf, Errorf, or Criticalf.  To turn off all logging, use SilentMode.
func SetLogMode(newMode ModeFlag) {
	logMu.Lock()
	mode = newMode
	logMu.Unlock()
}

// SetLogger replaces the package-level logger, e.g., for tests that capture output.
func SetLogger(l Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

func current(level ModeFlag) (Logger, bool) {
	logMu.RLock()
	defer logMu.RUnlock()
	if level == DebugMode && Verbose {
		return logger, true
	}
	return logger, mode <= level
}

func Debugf(format string, args ...interface{}) {
	if l, ok := current(DebugMode); ok {
		l.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if l, ok := current(InfoMode); ok {
		l.Infof(format, args...)
	}
}

func Warningf(format string, args ...interface{}) {
	if l, ok := current(WarningMode); ok {
		l.Warningf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if l, ok := current(ErrorMode); ok {
		l.Errorf(format, args...)
	}
}

func Criticalf(format string, args ...interface{}) {
	if l, ok := current(CriticalMode); ok {
		l.Criticalf(format, args...)
	}
}

// Shutdown closes any log file in use.
func Shutdown() {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Shutdown()
}

// TimeLog adds elapsed time to logging.
// Example:
//
//	mylog := NewTimeLog()
//	...
//	mylog.Debugf("stuff happened")  // Appends elapsed time from NewTimeLog() to message.
type TimeLog struct {
	start time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{time.Now()}
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	Debugf(format+": %s\n", append(args, time.Since(t.start))...)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	Infof(format+": %s\n", append(args, time.Since(t.start))...)
}

func (t TimeLog) Warningf(format string, args ...interface{}) {
	Warningf(format+": %s\n", append(args, time.Since(t.start))...)
}

func (t TimeLog) Errorf(format string, args ...interface{}) {
	Errorf(format+": %s\n", append(args, time.Since(t.start))...)
}

// TimeInfof logs at Info level with a timestamp prefix, useful for slow
// startup steps like opening databases.
func TimeInfof(format string, args ...interface{}) {
	Infof("%s "+format, append([]interface{}{time.Now().Format(time.RFC3339)}, args...)...)
}

// stdLogger sends messages through the standard log package, whose output
// may be redirected to a rotating file by LogConfig.SetLogger.
type stdLogger struct {
	closer func() error
}

func (slog stdLogger) Debugf(format string, args ...interface{}) {
	log.Printf("   DEBUG "+format, args...)
}

func (slog stdLogger) Infof(format string, args ...interface{}) {
	log.Printf("    INFO "+format, args...)
}

func (slog stdLogger) Warningf(format string, args ...interface{}) {
	log.Printf(" WARNING "+format, args...)
}

func (slog stdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("   ERROR "+format, args...)
}

func (slog stdLogger) Criticalf(format string, args ...interface{}) {
	log.Printf("CRITICAL "+format, args...)
}

func (slog stdLogger) Shutdown() {
	if slog.closer == nil {
		return
	}
	log.Printf("Closing log file...\n")
	if err := slog.closer(); err != nil {
		fmt.Printf("Error closing log file: %v\n", err)
	}
}
