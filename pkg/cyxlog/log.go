// Package cyxlog provides the structured logger shared by every CyxCloud
// coordination-core component.
package cyxlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured via Init.
var Logger zerolog.Logger

// Level represents a logging level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Init(Config{Level: InfoLevel, JSONOutput: false})
}

// Init configures the global Logger according to cfg.
func Init(cfg Config) {
	var zlevel zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		zlevel = zerolog.DebugLevel
	case WarnLevel:
		zlevel = zerolog.WarnLevel
	case ErrorLevel:
		zlevel = zerolog.ErrorLevel
	default:
		zlevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zlevel)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}

	console := zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	Logger = zerolog.New(console).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID returns a child logger tagged with the given node id.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithChunkID returns a child logger tagged with the given chunk id.
func WithChunkID(chunkID string) zerolog.Logger {
	return Logger.With().Str("chunk_id", chunkID).Logger()
}

// WithEpoch returns a child logger tagged with the given epoch number.
func WithEpoch(epoch uint64) zerolog.Logger {
	return Logger.With().Uint64("epoch", epoch).Logger()
}

// WithJobID returns a child logger tagged with the given repair job id.
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// Info logs at info level via the global logger.
func Info() *zerolog.Event { return Logger.Info() }

// Debug logs at debug level via the global logger.
func Debug() *zerolog.Event { return Logger.Debug() }

// Warn logs at warn level via the global logger.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error logs at error level via the global logger.
func Error() *zerolog.Event { return Logger.Error() }
