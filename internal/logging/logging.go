// Package logging wires up the process-wide logrus logger, following
// atlasdatatech-tiler/main.go's nested-formatter-plus-ansicolor console
// setup and adding rotating file output in the manner of mmp-vice's
// lumberjack.Logger wiring.
package logging

import (
	"io"
	"os"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/shiena/ansicolor"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls verbosity and optional file rotation.
type Config struct {
	Level    string // "debug", "info", "warn", "error"
	FilePath string // empty disables file output
	MaxSizeMB int
	MaxAgeDays int
	Compress  bool
}

func (c *Config) withDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 64
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 14
	}
}

// New configures the standard logrus logger and returns a base entry
// that callers derive per-component entries from via WithField.
func New(cfg Config) *logrus.Entry {
	cfg.withDefaults()

	log := logrus.StandardLogger()
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	var out io.Writer = ansicolor.NewAnsiColorWriter(os.Stdout)
	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename: cfg.FilePath,
			MaxSize:  cfg.MaxSizeMB,
			MaxAge:   cfg.MaxAgeDays,
			Compress: cfg.Compress,
		}
		out = io.MultiWriter(out, rotator)
	}
	log.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return logrus.NewEntry(log)
}
