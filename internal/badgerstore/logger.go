package badgerstore

import (
	"fmt"
	"log/slog"
	"strings"
)

// badgerLogger routes Badger's printf-style logging into slog
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(trim(format, args))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(trim(format, args))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Info(trim(format, args))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(trim(format, args))
}

func trim(format string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
