// Package logger holds the process-wide structured logger.
//
// Helpers take an optional leading error followed by alternating key/value
// pairs; a trailing unpaired string becomes the message:
//
//	logger.Info("partition", key, "records", n, "page served")
package logger

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger

	DurationFieldName = "dur"
	EmptyMessage      = ""
)

func init() {
	setCallerFormatter()

	// GCP cloud logging naming
	zerolog.LevelFieldName = "severity"
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		switch l {
		case zerolog.TraceLevel:
			return "DEFAULT"
		case zerolog.DebugLevel:
			return "DEBUG"
		case zerolog.InfoLevel:
			return "INFO"
		case zerolog.WarnLevel:
			return "WARN"
		case zerolog.ErrorLevel:
			return "ERROR"
		case zerolog.PanicLevel:
			return "CRITICAL"
		case zerolog.FatalLevel:
			return "EMERGENCY"
		default:
			return "DEFAULT"
		}
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	SetConsoleWriter(os.Stderr)
}

func setCallerFormatter() {
	_, file, _, _ := runtime.Caller(0)
	prefix := path.Dir(path.Dir(path.Dir(file)))
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	zerolog.CallerMarshalFunc = func(file string, line int) string {
		if idx := strings.Index(file, prefix); prefix != "/" && idx > -1 {
			file = file[idx+len(prefix):]
		}
		return fmt.Sprintf("%s:%d", file, line)
	}
}

// Log returns the current logger.
func Log() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

func SetLogger(l zerolog.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
}

func SetJSONWriter(w io.Writer) {
	SetLogger(zerolog.New(w))
}

// Configure applies the level and format from configuration. format is
// "console" or "json".
func Configure(level, format string, w io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	switch strings.ToLower(format) {
	case "", "console":
		SetConsoleWriter(w)
	case "json":
		SetJSONWriter(w)
	default:
		return fmt.Errorf("log format %q: want console or json", format)
	}
	return nil
}

func doLog(event *zerolog.Event, args []interface{}) {
	event.Timestamp()
	event.Caller(2)

	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			event.Err(err)
			args = args[1:]
		}
	}

	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			event.Interface(fmt.Sprintf("arg%d", i), args[i])
			i--
			continue
		}
		if i+1 == len(args) {
			event.Msg(key)
			return
		}
		switch v := args[i+1].(type) {
		case string:
			event.Str(key, v)
		case int:
			event.Int(key, v)
		case int64:
			event.Int64(key, v)
		case uint32:
			event.Uint32(key, v)
		case uint64:
			event.Uint64(key, v)
		case bool:
			event.Bool(key, v)
		case error:
			event.AnErr(key, v)
		case time.Duration:
			event.Str(key, v.String())
		case fmt.Stringer:
			event.Str(key, v.String())
		default:
			event.Interface(key, v)
		}
	}
	event.Msg(EmptyMessage)
}

// Debug logs at level Debug.
func Debug(args ...interface{}) {
	l := Log()
	doLog(l.Debug(), args)
}

// Info logs at level Info.
func Info(args ...interface{}) {
	l := Log()
	doLog(l.Info(), args)
}

// Warn logs at level Warn.
func Warn(args ...interface{}) {
	l := Log()
	doLog(l.Warn(), args)
}

// WarnErr logs err at level Warn.
func WarnErr(err error, args ...interface{}) {
	l := Log()
	doLog(l.Warn().Err(err), args)
}

// Error logs err at level Error.
func Error(err error, args ...interface{}) {
	l := Log()
	doLog(l.Error().Err(err), args)
}

// Fatal logs err at level Fatal and exits the process.
func Fatal(err error, args ...interface{}) {
	l := Log()
	doLog(l.Fatal().Err(err), args)
}
