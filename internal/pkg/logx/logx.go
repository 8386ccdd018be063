/*
Package logx provides a structured logging wrapper based on zerolog.

It initializes the global logger, selects the output format (JSON or console) from the
environment, hands out component-scoped sub-loggers and provides key/value helpers for the
Debug, Info, Warn, Error and Fatal levels.
*/
package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitGlobalLogger configures the global logger: debug level on a console writer in
// development, info level JSON on stdout otherwise. Every line carries a Unix timestamp and
// the caller.
func InitGlobalLogger(isDevelopment bool) {
	initLogger(os.Stdout, isDevelopment)
}

// InitWithWriter initializes the global logger on an arbitrary writer, always in JSON format.
// Used by the headless peer binary and by tests that capture output.
func InitWithWriter(w io.Writer, level zerolog.Level) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger().Level(level)
}

func initLogger(out io.Writer, isDevelopment bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logger := zerolog.New(out).With().Timestamp().Logger()

	if isDevelopment {
		logger = logger.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    false,
			TimeFormat: time.RFC3339,
		})
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	log.Logger = logger.With().Caller().Logger()
}

// Logger returns a pointer to the global zerolog.Logger instance.
func Logger() *zerolog.Logger {
	return &log.Logger
}

// Component returns a sub-logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// checkFields drops an odd-length field list, which zerolog would otherwise panic on, and
// reports the offending call instead.
func checkFields(level zerolog.Level, fields []any) []any {
	if len(fields)%2 == 0 {
		return fields
	}
	Logger().Warn().
		Int("fields_count", len(fields)).
		Str("log_level", level.String()).
		Msgf("Logx call (%s) received odd number of fields: %v. Fields ignored.", level, fields)
	return nil
}

// emit finishes ev with the checked fields. Helpers call it directly so the reported caller is
// the helper's caller.
func emit(ev *zerolog.Event, level zerolog.Level, err error, msg string, fields []any) {
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Fields(checkFields(level, fields)).
		CallerSkipFrame(2).
		Msg(msg)
}

// Debug logs msg with key/value fields at debug level.
func Debug(msg string, fields ...any) {
	emit(Logger().Debug(), zerolog.DebugLevel, nil, msg, fields)
}

// Info logs msg with key/value fields at info level.
func Info(msg string, fields ...any) {
	emit(Logger().Info(), zerolog.InfoLevel, nil, msg, fields)
}

// Warn logs msg with key/value fields at warn level.
func Warn(msg string, fields ...any) {
	emit(Logger().Warn(), zerolog.WarnLevel, nil, msg, fields)
}

// Error logs err and msg with key/value fields at error level.
func Error(err error, msg string, fields ...any) {
	emit(Logger().Error(), zerolog.ErrorLevel, err, msg, fields)
}

// Fatal logs err and msg at fatal level, then exits the process with status 1.
func Fatal(err error, msg string, fields ...any) {
	emit(Logger().Fatal(), zerolog.FatalLevel, err, msg, fields)
}
