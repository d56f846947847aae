// Package logflags configures the loggers used by the other runwind
// packages. Logging for each component is off by default and can be turned
// on selectively with Setup.
package logflags

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var objfile = false
var unwind = false
var cache = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	if loggerFactory != nil {
		return loggerFactory(flag, fields, logOut)
	}
	logger := logrus.New()
	logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = os.Stderr
	}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		ForceColors:     isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	}
}

// Objfile returns true if the objfile package should log.
func Objfile() bool {
	return objfile
}

// ObjfileLogger returns a logger for the objfile package.
func ObjfileLogger() Logger {
	return makeLogger(objfile, Fields{"layer": "objfile"})
}

// Unwind returns true if the unwind package should log.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the unwind package.
func UnwindLogger() Logger {
	return makeLogger(unwind, Fields{"layer": "unwind"})
}

// Cache returns true if cache maintenance should be logged.
func Cache() bool {
	return cache
}

// CacheLogger returns a logger for cache maintenance.
func CacheLogger() Logger {
	return makeLogger(cache, Fields{"layer": "unwind", "kind": "cache"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		f, err := os.Create(logDest)
		if err != nil {
			return err
		}
		logOut = f
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "objfile"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "objfile":
			objfile = true
		case "unwind":
			unwind = true
		case "cache":
			cache = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
