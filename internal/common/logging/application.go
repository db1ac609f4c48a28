package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// ConfigureLogging sets up the standard logrus logger with sensible defaults. Used by tools and tests
// before any configuration has been loaded.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: RFC3339Milli})
	log.SetOutput(os.Stdout)
}

// ConfigureApplicationLogging configures the standard logger from the supplied config. When file logging is
// enabled log lines are written to both stdout and a rotated file. A prometheus hook counts lines per level.
func ConfigureApplicationLogging(config Config) error {
	if err := config.validate(); err != nil {
		return err
	}
	level, _ := parseLevel(config.Level)
	log.SetLevel(level)

	switch strings.ToLower(config.Format) {
	case FormatJson:
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: RFC3339Milli})
	case FormatCommandLine:
		log.SetFormatter(&CommandLineFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli})
	}

	var out io.Writer = os.Stdout
	if config.File.Enabled {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   config.File.LogFile,
			MaxSize:    config.File.MaxSizeMb,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		})
	}
	log.SetOutput(out)
	return nil
}

// AddPrometheusHook registers log line counters. It must be called at most once per process.
func AddPrometheusHook() error {
	hook, err := promrus.NewPrometheusHook()
	if err != nil {
		return errors.Wrap(err, "error creating prometheus log hook")
	}
	log.AddHook(hook)
	return nil
}
