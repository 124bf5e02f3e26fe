// Package logx is the daemon's structured console logger: level-tagged,
// key=value fields, colorized when stdout is a terminal.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERRO"
	default:
		return "????"
	}
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled, key=value lines to an io.Writer. The zero value is
// not usable; construct with New.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	min    Level
	ctx    []interface{}
	colors bool
}

// New builds a Logger writing to w, filtering below min. Colors follow
// fatih/color's global NoColor default (off when stdout isn't a terminal or
// NO_COLOR is set), left in place rather than reimplemented; w itself is
// not inspected.
func New(w io.Writer, min Level) *Logger {
	return &Logger{out: w, min: min, colors: color.NoColor == false}
}

// With returns a child logger that prepends the given key/value pairs to
// every line it writes. ctx must be an even-length list of alternating
// keys and values, mirroring the teacher's SVC trace argument convention.
func (l *Logger) With(ctx ...interface{}) *Logger {
	child := &Logger{out: l.out, min: l.min, colors: l.colors}
	child.ctx = append(append([]interface{}{}, l.ctx...), ctx...)
	return child
}

func (l *Logger) Debug(msg string, ctx ...interface{}) { l.log(LevelDebug, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.log(LevelInfo, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.log(LevelWarn, msg, ctx) }
func (l *Logger) Error(msg string, ctx ...interface{}) { l.log(LevelError, msg, ctx) }

func (l *Logger) log(lvl Level, msg string, ctx []interface{}) {
	if lvl < l.min {
		return
	}
	all := append(append([]interface{}{}, l.ctx...), ctx...)

	var b strings.Builder
	ts := time.Now().Format("15:04:05.000")
	tag := lvl.String()
	if l.colors {
		tag = levelColor[lvl].Sprint(tag)
	}
	fmt.Fprintf(&b, "%s [%s] %s", ts, tag, msg)
	writeFields(&b, all)
	b.WriteByte('\n')

	l.mu.Lock()
	io.WriteString(l.out, b.String())
	l.mu.Unlock()
}

func writeFields(b *strings.Builder, ctx []interface{}) {
	for i := 0; i+1 < len(ctx); i += 2 {
		k := fmt.Sprint(ctx[i])
		v := fmt.Sprint(ctx[i+1])
		if strings.ContainsAny(v, " \t\"") {
			fmt.Fprintf(b, " %s=%q", k, v)
		} else {
			fmt.Fprintf(b, " %s=%s", k, v)
		}
	}
}

// Default is the process-wide logger, wired to stderr at Info level unless
// reconfigured by cmd/hsxd from the loaded Config.
var Default = New(os.Stderr, LevelInfo)

func Debug(msg string, ctx ...interface{}) { Default.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Default.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Default.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Default.Error(msg, ctx...) }

// ParseLevel maps a config string to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
