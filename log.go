package livedoc

import (
	"fmt"
	"log"
	"os"
)

// Logging convention in the `livedoc` package:
// Warning:
//     degraded but recovered behavior. This level should be silent on normal operation.
//     this includes:
//     - reference suppliers that panic (resolution degrades to "no reference")
//     - snapshot callbacks delivered after disconnect
// Error:
//     unrecoverable crash details
// Debug (glog.V(2) and the tagged log functions below):
//     per-handle lifecycle trace - evaluate, purge, issue, settle, disconnect -
//     always tagged with the handle id so one handle can be filtered

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}
