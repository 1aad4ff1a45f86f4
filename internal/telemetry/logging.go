// Package telemetry wires up the ambient observability stack: structured
// logging via log/slog, and OpenTelemetry tracing/metrics. Grounded on
// kubewarden-kubewarden-controller's audit-scanner/cmd/logging.go for the
// slog handler shape and on its cmd/main.go for the OTel bootstrap.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
)

// Supported log level strings, matching the original policy-server CLI's
// --log-level values.
const (
	LevelTraceString = "trace"
	LevelDebugString = "debug"
	LevelInfoString  = "info"
	LevelWarnString  = "warn"
	LevelErrorString = "error"
)

// levelTrace sits below slog.LevelDebug, mirroring the original's tracing
// crate "trace" level which slog has no builtin equivalent for.
const levelTrace = slog.Level(-8)

// SupportedLogLevels lists the values accepted by --log-level.
func SupportedLogLevels() []string {
	return []string{LevelTraceString, LevelDebugString, LevelInfoString, LevelWarnString, LevelErrorString}
}

// LogFormat selects the slog handler's output encoding.
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// NewHandler builds a slog.Handler for the given level string and format.
// An unrecognized level is a startup configuration error, not a panic —
// callers validate it via ParseLevel before the logger is wired, so
// telemetry failures never crash an otherwise-healthy process after boot.
func NewHandler(out io.Writer, level string, format LogFormat) (slog.Handler, error) {
	slevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level: slevel,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelString(lvl))
				}
			}
			return a
		},
	}

	switch format {
	case FormatText, "":
		return slog.NewTextHandler(out, opts), nil
	case FormatJSON:
		return slog.NewJSONHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// ParseLevel maps a --log-level string to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case LevelTraceString:
		return levelTrace, nil
	case LevelDebugString:
		return slog.LevelDebug, nil
	case LevelInfoString, "":
		return slog.LevelInfo, nil
	case LevelWarnString:
		return slog.LevelWarn, nil
	case LevelErrorString:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q: supported values are %v", level, SupportedLogLevels())
	}
}

func levelString(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return LevelTraceString
	case l < slog.LevelInfo:
		return LevelDebugString
	case l < slog.LevelWarn:
		return LevelInfoString
	case l < slog.LevelError:
		return LevelWarnString
	default:
		return LevelErrorString
	}
}
