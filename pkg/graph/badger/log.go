package badger

import (
	"fmt"
	"strings"

	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
)

// logger routes badger's own logging into slog, prefixed with the store
// path.
type logger struct {
	Level int
	Label string
}

func (l logger) Errorf(s string, i ...interface{}) {
	if l.Level >= slog.Error {
		log.E.Ln(strings.TrimSpace(fmt.Sprintf(l.Label+": "+s, i...)))
	}
}

func (l logger) Warningf(s string, i ...interface{}) {
	if l.Level >= slog.Warn {
		log.W.Ln(strings.TrimSpace(fmt.Sprintf(l.Label+": "+s, i...)))
	}
}

func (l logger) Infof(s string, i ...interface{}) {
	if l.Level >= slog.Info {
		log.I.Ln(strings.TrimSpace(fmt.Sprintf(l.Label+": "+s, i...)))
	}
}

func (l logger) Debugf(s string, i ...interface{}) {
	if l.Level >= slog.Debug {
		log.D.Ln(strings.TrimSpace(fmt.Sprintf(l.Label+": "+s, i...)))
	}
}
