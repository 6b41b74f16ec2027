package monitoring

import (
	"io"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	opsMu     sync.RWMutex
	opsLogger *log.Logger
)

// SetOpsWriter routes the ops stream (lock transitions, sensor loss, data
// drops) to w. With nil, ops messages go through Logf.
func SetOpsWriter(w io.Writer) {
	opsMu.Lock()
	defer opsMu.Unlock()
	if w == nil {
		opsLogger = nil
		return
	}
	opsLogger = log.New(w, "[ops] ", log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs an actionable operational event.
func Opsf(format string, v ...interface{}) {
	opsMu.RLock()
	l := opsLogger
	opsMu.RUnlock()
	if l != nil {
		l.Printf(format, v...)
		return
	}
	Logf(format, v...)
}
