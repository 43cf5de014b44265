package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Flags records which components should produce debug output and where that
// output goes. A nil *Flags is valid and leaves every component at error
// level on stderr.
type Flags struct {
	session bool
	guard   bool
	ptrace  bool

	out     io.Writer
	closer  io.Closer
	factory LoggerFactory
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup builds the logging configuration from the --log, --log-output and
// --log-dest flags. logDest is either a file descriptor number or a path.
func Setup(logFlag bool, logstr, logDest string) (*Flags, error) {
	f := &Flags{}
	if !logFlag {
		if logstr != "" {
			return nil, errLogstrWithoutLog
		}
	} else {
		if logstr == "" {
			logstr = "session"
		}
		for _, logcmd := range strings.Split(logstr, ",") {
			switch strings.TrimSpace(logcmd) {
			case "session":
				f.session = true
			case "guard":
				f.guard = true
			case "ptrace":
				f.ptrace = true
			case "all":
				f.session, f.guard, f.ptrace = true, true, true
			default:
				return nil, fmt.Errorf("unknown log component %q", logcmd)
			}
		}
	}
	if logDest != "" {
		if n, err := strconv.Atoi(logDest); err == nil {
			f.out = os.NewFile(uintptr(n), "reredirect-logs")
		} else {
			fh, err := os.OpenFile(logDest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return nil, fmt.Errorf("could not open log destination: %w", err)
			}
			f.out = fh
			f.closer = fh
		}
	}
	return f, nil
}

// SetLoggerFactory makes every Logger created from f come from lf.
func (f *Flags) SetLoggerFactory(lf LoggerFactory) {
	f.factory = lf
}

// Close releases the log destination opened by Setup, if any.
func (f *Flags) Close() error {
	if f == nil || f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// Session returns true if the redirect session should log.
func (f *Flags) Session() bool {
	return f != nil && f.session
}

// SessionLogger returns a logger for the attach/open/dup/detach sequence.
func (f *Flags) SessionLogger() Logger {
	return f.makeFlaggableLogger(f.Session(), Fields{"layer": "session"})
}

// Guard returns true if the process group check should log.
func (f *Flags) Guard() bool {
	return f != nil && f.guard
}

// GuardLogger returns a logger for the process group check.
func (f *Flags) GuardLogger() Logger {
	return f.makeFlaggableLogger(f.Guard(), Fields{"layer": "guard"})
}

// Ptrace returns true if every ptrace request should be logged.
func (f *Flags) Ptrace() bool {
	return f != nil && f.ptrace
}

// PtraceLogger returns a logger for the ptrace layer.
func (f *Flags) PtraceLogger() Logger {
	return f.makeFlaggableLogger(f.Ptrace(), Fields{"layer": "ptrace"})
}

// Quiet returns a logger for layer that only reports errors on stderr.
func Quiet(layer string) Logger {
	var f *Flags
	return f.makeFlaggableLogger(false, Fields{"layer": layer})
}

func (f *Flags) makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return f.makeLogger(logrus.DebugLevel, fields)
	}
	return f.makeLogger(logrus.ErrorLevel, fields)
}

func (f *Flags) makeLogger(level logrus.Level, fields Fields) Logger {
	var out io.Writer
	if f != nil {
		out = f.out
	}
	if f != nil && f.factory != nil {
		return f.factory(level, fields, out)
	}
	logger := logrus.New()
	logger.Level = level
	logger.Formatter = textFormatterInstance
	if out != nil {
		logger.Out = out
	} else {
		logger.Out = stderr
	}
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

var stderr = colorable.NewColorableStderr()

var textFormatterInstance = &textFormatter{
	TextFormatter: logrus.TextFormatter{
		DisableColors:    !isatty.IsTerminal(os.Stderr.Fd()),
		DisableTimestamp: true,
	},
}

// textFormatter prefixes every line with a marker that makes errors stand
// out from progress messages.
type textFormatter struct {
	logrus.TextFormatter
}

func (tf *textFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := tf.TextFormatter.Format(e)
	if err != nil {
		return nil, err
	}
	pfx := "[+] "
	switch e.Level {
	case logrus.ErrorLevel:
		pfx = "[-] "
	case logrus.FatalLevel, logrus.PanicLevel:
		pfx = "[!] "
	}
	return append([]byte(pfx), b...), nil
}
