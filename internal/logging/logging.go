package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelError   = "ERROR"
	LevelWarning = "WARNING"
	LevelInfo    = "INFO"
	LevelDebug   = "DEBUG"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

type Config struct {
	Level string `mapstructure:"level"`
	// Format is "text" (default) or "json".
	Format string `mapstructure:"format"`
}

func (c Config) Debug() bool {
	return strings.ToUpper(c.Level) == LevelDebug
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case LevelError:
		return slog.LevelError
	case LevelWarning, "WARN":
		return slog.LevelWarn
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Init installs the process-wide default logger writing to stdout.
func Init(cfg Config) {
	slog.SetDefault(NewLogger(os.Stdout, cfg))
}
