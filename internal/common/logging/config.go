package logging

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	FormatText        = "text"
	FormatJson        = "json"
	FormatCommandLine = "cli"
)

// Config defines firefly logging configuration.
type Config struct {
	// Log level, e.g. info, error etc
	Level string
	// Logging format, one of text, json or cli
	Format string
	// Defines configuration for file logging
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	// The Location of the logfile on disk
	LogFile string
	// Maximum size in megabytes of the log file before it gets rotated
	MaxSizeMb int
	// Maximum number of old log files to retain
	MaxBackups int
	// Maximum number of days to retain old log files
	MaxAgeDays int
	// Whether to compress rotated log files
	Compress bool
}

func (c Config) validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", FormatText, FormatJson, FormatCommandLine:
	default:
		return errors.Errorf("unknown log format %q", c.Format)
	}
	if c.File.Enabled {
		if c.File.LogFile == "" {
			return errors.New("file.logFile must be set when file logging is enabled")
		}
		if c.File.MaxSizeMb <= 0 {
			return errors.New("file.maxSizeMb must be greater than zero")
		}
	}
	return nil
}

func parseLevel(level string) (log.Level, error) {
	if level == "" {
		return log.InfoLevel, nil
	}
	l, err := log.ParseLevel(level)
	if err != nil {
		return l, errors.WithStack(err)
	}
	return l, nil
}
