// Package logger wraps zerolog behind a small key/value API shared by
// every package in the runtime. One process-global logger is enough:
// each cooperating process (one per pipeline-stage x tensor-shard pair)
// tags its lines with rank fields instead of carrying logger instances
// through every call.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-global logger.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	Log = &Logger{z: zerolog.New(out).With().Timestamp().Logger()}
}

// Setup reconfigures the global logger. level is one of debug/info/warn/error
// (case-insensitive, defaults to info); format is "json" or "console".
func Setup(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var z zerolog.Logger
	if strings.ToLower(format) == "json" {
		z = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		z = zerolog.New(out).With().Timestamp().Logger()
	}
	Log = &Logger{z: z}
}

// WithRank returns a child logger that stamps every line with the process
// coordinates in the device mesh.
func (l *Logger) WithRank(ppRank, tpRank int) *Logger {
	return &Logger{z: l.z.With().Int("pp_rank", ppRank).Int("tp_rank", tpRank).Logger()}
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(l.z.Debug(), msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.emit(l.z.Info(), msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.emit(l.z.Warn(), msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(l.z.Error(), msg, args...) }

func (l *Logger) emit(e *zerolog.Event, msg string, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}
