package logging

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// Options controls where log output goes.
type Options struct {
	Level string
	// Console mirrors output to stderr. Disable it when a full-screen UI owns the terminal.
	Console bool
	// Path overrides the platform log file location.
	Path string
}

// New creates a zerolog logger writing to the log file and, optionally, the console.
// If the log file cannot be opened the logger falls back to stderr alone.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	path := opts.Path
	if path == "" {
		path = LogPath()
	}

	var writers []io.Writer
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if opts.Console {
		writers = append(writers, console)
	}

	logFile, fileErr := openLogFile(path)
	if fileErr == nil {
		writers = append(writers, logFile)
	} else if !opts.Console {
		writers = append(writers, console)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Caller().Logger()

	if fileErr != nil {
		logger.Warn().Err(fileErr).Str("path", path).Msg("Failed to open log file, logging to stderr only")
	}
	return logger
}

// NewWithLevel is New with console output enabled.
func NewWithLevel(level string) zerolog.Logger {
	return New(Options{Level: level, Console: true})
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// LogPath returns the platform-specific log file path
func LogPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Logs"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/state"
		}
	}

	return filepath.Join(base, "voicelink", "voicelink.log")
}
