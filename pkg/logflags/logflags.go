// Package logflags configures the loggers used by the various kmon
// components. Logging for a component is off by default and enabled by
// listing the component in the --log-output flag.
package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var monitor = false
var mmu = false
var machine = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// MonitorLogger returns a logger for the command dispatch loop.
func MonitorLogger() *logrus.Entry {
	return makeLogger(monitor, logrus.Fields{"layer": "monitor"})
}

// MMULogger returns a logger for address space operations.
func MMULogger() *logrus.Entry {
	return makeLogger(mmu, logrus.Fields{"layer": "mmu"})
}

// MachineLogger returns a logger for the machine backing the monitor.
func MachineLogger() *logrus.Entry {
	return makeLogger(machine, logrus.Fields{"layer": "machine"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets up the logging flags of kmon. logFlag enables logging
// altogether, logstr is a comma separated list of components that should
// produce debug output.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "monitor"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "monitor":
			monitor = true
		case "mmu":
			mmu = true
		case "machine":
			machine = true
		}
	}
	return nil
}
