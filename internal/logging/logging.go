// Package logging provides leveled JSON structured logging on zerolog.
//
// Every component receives a zerolog.Logger through its constructor and
// derives a child logger carrying its own fields (component, equipment_id,
// equipment_type). Adapter faults are logged with operation and
// error_category fields so monitoring can aggregate them.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field names shared by every component
const (
	FieldComponent     = "component"
	FieldEquipmentID   = "equipment_id"
	FieldEquipmentType = "equipment_type"
	FieldOperation     = "operation"
	FieldErrorCategory = "error_category"
	FieldSessionID     = "session_id"
	FieldUserID        = "user_id"
)

// Config controls log level and output
type Config struct {
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	// Pretty switches to zerolog's console writer for local runs
	Pretty bool `json:"pretty" yaml:"pretty"`
}

// New builds a root logger from config
func New(config Config) (zerolog.Logger, error) {
	var output io.Writer = os.Stdout
	if config.Output == "stderr" {
		output = os.Stderr
	}
	if config.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.Kitchen}
	}

	level := zerolog.InfoLevel
	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return zerolog.Nop(), err
		}
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}

// WithComponent returns a child logger tagged with component
func WithComponent(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str(FieldComponent, component).Logger()
}

// NewTestLogger returns a logger that discards everything
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
