package telemetry

import (
	"io"
	"log/slog"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// ParseLevel maps a config string to a slog level; unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a JSON logger tagged with the service name. With
// exportOTel set, records are also fanned out to the OpenTelemetry log bridge
// so they can be correlated with spans.
func NewLogger(w io.Writer, level, service string, exportOTel bool) *slog.Logger {
	var h slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	if exportOTel {
		h = slogmulti.Fanout(h, otelslog.NewHandler(service))
	}
	return slog.New(h).With(slog.String("service", service))
}
