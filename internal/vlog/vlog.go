// Package vlog sets up the process-wide leveled loggers used by every
// other package in veilclient. One *logging.Logger is created per
// caller-supplied module name, backed by a shared set of stderr (and,
// optionally, syslog) backends configured once at process start.
package vlog

import (
	"fmt"
	"os"

	"github.com/op/go-logging"
)

var format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
)

var configured bool

// Setup wires the stderr backend (and the syslog backend, if useSyslog
// is set) at the given level. It is safe to call more than once; only
// the first call takes effect.
func Setup(level logging.Level, useSyslog bool) {
	if configured {
		return
	}
	configured = true

	backends := []logging.Backend{}

	stderrBackend := logging.NewLogBackend(os.Stderr, "", 0)
	stderrFormatter := logging.NewBackendFormatter(stderrBackend, format)
	stderrLeveled := logging.AddModuleLevel(stderrFormatter)
	stderrLeveled.SetLevel(level, "")
	backends = append(backends, stderrLeveled)

	if useSyslog {
		syslogBackend, err := logging.NewSyslogBackend("veilclient")
		if err == nil {
			syslogLeveled := logging.AddModuleLevel(syslogBackend)
			syslogLeveled.SetLevel(level, "")
			backends = append(backends, syslogLeveled)
		} else {
			fmt.Fprintf(os.Stderr, "vlog: syslog backend unavailable: %v\n", err)
		}
	}

	logging.SetBackend(backends...)
}

// New returns the named module logger. Setup should be called once
// before the first log line is emitted, but New itself never blocks or
// fails: op/go-logging lazily resolves backends at log time.
func New(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}
