package srvlog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/muyo/sno"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pmav99/thalassa-server/pkg/config"
)

type logPtr struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the wrapped writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed for websocket upgrades
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// MakeLogMiddleware attaches a logger with a fresh request ID to every request and logs
// the request once it's done
func MakeLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqID := sno.New(0)
		logger := log.With().Str("req", reqID.String()).Logger()

		ctx := WithLogger(r.Context(), &logger)
		r = r.WithContext(ctx)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("Request")
	})
}

// WithLogger returns a context carrying logger
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logPtr{}, logger)
}

// Log returns a zerolog Logger with additional context information (i.e. request ID)
func Log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logPtr{})
	if logger == nil {
		return &log.Logger
	}

	return logger.(*zerolog.Logger)
}

// Timer logs the time between the call and the call of the returned function at debug level
//
//	defer srvlog.Timer(ctx, "Rendering: Open dataset")()
func Timer(ctx context.Context, msg string) func() {
	start := time.Now()
	return func() {
		Log(ctx).Debug().Msgf("%s: %.9fs", msg, time.Since(start).Seconds())
	}
}

// ConsoleWriter returns the pretty console writer used when JSON output is disabled
func ConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	writer := zerolog.ConsoleWriter{Out: out}
	writer.TimeFormat = "02.01.2006 15:04:05 MST"
	writer.PartsOrder = []string{
		zerolog.TimestampFieldName,
		"req",
		zerolog.LevelFieldName,
		zerolog.CallerFieldName,
		zerolog.MessageFieldName,
	}

	writer.FormatFieldValue = func(value interface{}) string {
		if value == nil {
			return "                "
		}

		str, ok := value.(string)
		if ok {
			if len(str) == 16 {
				// color request IDs in cyan  we have to guess based on the field content because we can't get
				// the current field name
				return fmt.Sprintf("\x1b[%dm%s\x1b[0m", 36, value)
			} else if strings.Contains(str, "\\n") && strings.Contains(str, "\\t") {
				// unquote values that contain line breaks and tabs because they're most likely stack traces
				str, err := strconv.Unquote(str)
				if err == nil {
					return str
				}
			}
		}

		return fmt.Sprintf("%s", value)
	}
	return writer
}

// Setup configures the global logger from cfg
func Setup(cfg *config.Config) error {
	if cfg.Log.JSON {
		zerolog.ErrorStackMarshaler = func(err error) interface{} {
			return eris.ToJSON(err, true)
		}
	} else {
		log.Logger = log.Output(ConsoleWriter(os.Stderr))
		zerolog.ErrorStackMarshaler = func(err error) interface{} {
			return eris.ToString(err, true)
		}
	}

	zerolog.SetGlobalLevel(cfg.LogLevel())
	if cfg.Log.File != "" {
		var logFile io.Writer
		logFile, err := os.Create(cfg.Log.File)
		if err != nil {
			return eris.Wrapf(err, "failed to open log file %s", cfg.Log.File)
		}

		if !cfg.Log.JSON {
			writer := ConsoleWriter(logFile)
			writer.NoColor = true
			logFile = writer
		}

		log.Logger = log.Output(logFile)
	}

	log.Logger = log.Logger.With().Caller().Stack().Logger()
	return nil
}
