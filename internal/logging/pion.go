package logging

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PionFactory routes pion's scoped loggers into zerolog as module=pion.<scope>.
// pion is chatty, so every pion level is shifted one step down.
type PionFactory struct {
	Base *zerolog.Logger
}

// NewPionFactory returns a factory backed by the global logger.
func NewPionFactory() *PionFactory {
	return &PionFactory{}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	base := log.Logger
	if f.Base != nil {
		base = *f.Base
	}
	return &pionLogger{l: base.With().Str("module", "pion."+scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p *pionLogger) Trace(msg string)                  { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...any) { p.l.Trace().Msgf(format, args...) }
func (p *pionLogger) Debug(msg string)                  { p.l.Trace().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...any) { p.l.Trace().Msgf(format, args...) }
func (p *pionLogger) Info(msg string)                   { p.l.Debug().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...any)  { p.l.Debug().Msgf(format, args...) }
func (p *pionLogger) Warn(msg string)                   { p.l.Info().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...any)  { p.l.Info().Msgf(format, args...) }
func (p *pionLogger) Error(msg string)                  { p.l.Warn().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...any) { p.l.Warn().Msgf(format, args...) }
