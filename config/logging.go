package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging installs the default slog logger from LOG_LEVEL (debug|info|warn|error),
// LOG_FORMAT (text|json) and LOG_FILE. When LOG_FILE is set, output is teed to a
// rotating file. The returned closer flushes the file writer, if any.
func SetupLogging() (io.Closer, error) {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if path := os.Getenv("LOG_FILE"); path != "" {
		rot := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, rot)
		closer = rot
	}

	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	slog.SetDefault(slog.New(NewHandler(w, format, lvl)))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
	return closer, nil
}

// NewHandler builds a text or JSON handler writing to w.
func NewHandler(w io.Writer, format string, lvl slog.Leveler) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
}

// Component returns the default logger tagged with a component attribute.
func Component(name string) *slog.Logger {
	return slog.Default().With(slog.String("component", name))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
