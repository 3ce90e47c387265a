package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var core = false
var engine = false
var gdbWire = false
var events = false
var stubOutput = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = DefaultFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Core returns true if the process/thread lifecycle layer should log
// registrations and state transitions.
func Core() bool {
	return core
}

// CoreLogger returns a logger for the lifecycle layer.
func CoreLogger() Logger {
	return makeFlaggableLogger(core, Fields{"layer": "udi"})
}

// Engine returns true if calls into the debug engine should be logged.
func Engine() bool {
	return engine
}

// EngineLogger returns a logger for the debug engine backends.
func EngineLogger() Logger {
	return makeFlaggableLogger(engine, Fields{"layer": "engine"})
}

// GdbWire returns true if the gdbserial package should log all the packets
// exchanged with the stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdbserial wire protocol.
func GdbWireLogger() Logger {
	return makeFlaggableLogger(gdbWire, Fields{"layer": "gdbconn"})
}

// Events returns true if every decoded event should be logged.
func Events() bool {
	return events
}

// EventsLogger returns a logger for the event decoder.
func EventsLogger() Logger {
	return makeFlaggableLogger(events, Fields{"layer": "udi", "kind": "events"})
}

// StubOutput returns true if the output of the gdbserver/lldb-server stub
// should be redirected to standard output instead of its log file.
func StubOutput() bool {
	return stubOutput
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "udi-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "udi"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "udi":
			core = true
		case "engine":
			engine = true
		case "gdbwire":
			gdbWire = true
		case "events":
			events = true
		case "stubout":
			stubOutput = true
		default:
			return fmt.Errorf("unknown log component %q", logcmd)
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
