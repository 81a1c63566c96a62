// Package slog is a leveled terminal logger. Every package declares its own
// printer set with
//
//	var log, chk = slog.New(os.Stderr)
//
// and uses log.X.Ln / log.X.F for output and chk.X(err) as a shortcut that
// prints an error (if any) and reports whether there was one.
package slog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
)

const (
	Off = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

// LevelEnv is the environment variable read at startup to set the log level.
const LevelEnv = "NOSTRSYNC_LOG"

type (
	// Ln prints lists of interfaces with spaces in between
	Ln func(a ...interface{})
	// F prints like fmt.Println surrounded by log details
	F func(format string, a ...interface{})
	// S prints a spew.Sdump for an interface slice
	S func(a ...interface{})
	// C accepts a function so that the extra computation can be avoided if it is
	// not being viewed
	C func(closure func() string)
	// Chk is a shortcut for printing if there is an error, or returning true
	Chk func(e error) bool
	// Err is a pass-through function that uses fmt.Errorf to construct an error
	// and returns the error after printing it to the log
	Err func(format string, a ...interface{}) error

	// LevelPrinter defines a set of terminal printing primitives that output
	// with the log level and code location.
	LevelPrinter struct {
		Ln
		F
		S
		C
		Chk
		Err
	}

	LevelSpec struct {
		ID        int
		Name      string
		Colorizer func(a ...interface{}) string
	}
)

var (
	currentLevel atomic.Int32
	// writeMx keeps lines from concurrent goroutines from interleaving.
	writeMx sync.Mutex
	// LevelSpecs specifies the id, string name and color-printing function
	LevelSpecs = []LevelSpec{
		{Off, "   ", color.Bit24(0, 0, 0, false).Sprint},
		{Fatal, "FTL", color.Bit24(128, 0, 0, false).Sprint},
		{Error, "ERR", color.Bit24(255, 0, 0, false).Sprint},
		{Warn, "WRN", color.Bit24(0, 255, 0, false).Sprint},
		{Info, "INF", color.Bit24(255, 255, 0, false).Sprint},
		{Debug, "DBG", color.Bit24(0, 125, 255, false).Sprint},
		{Trace, "TRC", color.Bit24(125, 0, 255, false).Sprint},
	}
)

func init() {
	currentLevel.Store(Info)
	if lvl := os.Getenv(LevelEnv); lvl != "" {
		SetLogLevelString(lvl)
	}
}

// Log is a set of log printers for the various Level items.
type Log struct {
	F, E, W, I, D, T LevelPrinter
}

type Check struct {
	F, E, W, I, D, T Chk
}

func JoinStrings(a ...any) (s string) {
	var b strings.Builder
	for i := range a {
		b.WriteString(fmt.Sprint(a[i]))
		if i < len(a)-1 {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func enabled(l int32) bool { return l <= currentLevel.Load() }

func emit(writer io.Writer, l int32, text string) {
	writeMx.Lock()
	defer writeMx.Unlock()
	_, _ = fmt.Fprintf(writer,
		"%s %s %s %s\n",
		time.Now().Format("15:04:05.000"),
		LevelSpecs[l].Colorizer(LevelSpecs[l].Name),
		text,
		GetLoc(3),
	)
}

func GetPrinter(l int32, writer io.Writer) LevelPrinter {
	return LevelPrinter{
		Ln: func(a ...interface{}) {
			if !enabled(l) {
				return
			}
			emit(writer, l, JoinStrings(a...))
		},
		F: func(format string, a ...interface{}) {
			if !enabled(l) {
				return
			}
			emit(writer, l, fmt.Sprintf(format, a...))
		},
		S: func(a ...interface{}) {
			if !enabled(l) {
				return
			}
			emit(writer, l, spew.Sdump(a...))
		},
		C: func(closure func() string) {
			if !enabled(l) {
				return
			}
			emit(writer, l, closure())
		},
		Chk: func(e error) bool {
			if e == nil {
				return false
			}
			if enabled(l) {
				emit(writer, l, e.Error())
			}
			return true
		},
		Err: func(format string, a ...interface{}) error {
			err := fmt.Errorf(format, a...)
			if enabled(l) {
				emit(writer, l, err.Error())
			}
			return err
		},
	}
}

func New(writer io.Writer) (l *Log, c *Check) {
	l = &Log{
		F: GetPrinter(Fatal, writer),
		E: GetPrinter(Error, writer),
		W: GetPrinter(Warn, writer),
		I: GetPrinter(Info, writer),
		D: GetPrinter(Debug, writer),
		T: GetPrinter(Trace, writer),
	}
	c = &Check{
		F: l.F.Chk,
		E: l.E.Chk,
		W: l.W.Chk,
		I: l.I.Chk,
		D: l.D.Chk,
		T: l.T.Chk,
	}
	return
}

func SetLogLevel(l int) {
	if l < Off {
		l = Off
	}
	if l > Trace {
		l = Trace
	}
	currentLevel.Store(int32(l))
}

func GetLogLevel() (l int) { return int(currentLevel.Load()) }

// SetLogLevelString sets the log level from a name. Only the first letter is
// significant, as in nmcli, so "t", "trc" and "trace" all select Trace.
// Unknown names leave the level unchanged.
func SetLogLevelString(s string) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return
	}
	switch s[0] {
	case 'o', '0':
		SetLogLevel(Off)
	case 'f':
		SetLogLevel(Fatal)
	case 'e':
		SetLogLevel(Error)
	case 'w':
		SetLogLevel(Warn)
	case 'i':
		SetLogLevel(Info)
	case 'd':
		SetLogLevel(Debug)
	case 't':
		SetLogLevel(Trace)
	}
}

func GetLoc(skip int) (output string) {
	_, file, line, _ := runtime.Caller(skip)
	// the last two path elements are enough to find the line
	if i := strings.LastIndexByte(file, '/'); i > 0 {
		if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
			file = file[j+1:]
		}
	}
	output = color.Bit24(0, 128, 255, false).Sprint(
		file, ":", line,
	)
	return
}
