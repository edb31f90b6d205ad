package logging

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

type logger struct {
	*log.Logger
}

var singleton *logger

func getLogger() *logger {
	if singleton == nil {
		once.Do(
			func() {
				l := log.NewWithOptions(os.Stderr, log.Options{
					ReportTimestamp: true,
					TimeFormat:      time.RFC3339,
					Prefix:          "gsplat",
				})
				l.SetLevel(log.InfoLevel)
				singleton = &logger{l}
			})
	}
	return singleton
}

// SetLevel adjusts the global log level. Safe to call at any time.
func SetLevel(level log.Level) {
	getLogger().SetLevel(level)
}

func Debug(msg string, args ...interface{}) {
	getLogger().Debugf(msg, args...)
}

func Info(msg string, args ...interface{}) {
	getLogger().Infof(msg, args...)
}

func Warn(msg string, args ...interface{}) {
	getLogger().Warnf(msg, args...)
}

func Error(msg string, args ...interface{}) {
	getLogger().Errorf(msg, args...)
}
