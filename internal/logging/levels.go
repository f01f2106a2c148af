package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel is one step below Debug. Per-fragment stream detail is
// logged here.
const TraceLevel = zapcore.DebugLevel - 1

// LevelFromString parses a level name. Besides zap's names it accepts
// "trace"; matching ignores case and surrounding space.
func LevelFromString(name string) (zapcore.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "trace" {
		return TraceLevel, nil
	}
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel, err
	}
	return lvl, nil
}

// Level is the configured minimum level. It reads any name
// LevelFromString accepts, so config files may say "trace".
type Level zapcore.Level

func (l *Level) UnmarshalText(text []byte) error {
	lvl, err := LevelFromString(string(text))
	if err != nil {
		return err
	}
	*l = Level(lvl)
	return nil
}

func (l Level) MarshalText() ([]byte, error) {
	if l.Zap() == TraceLevel {
		return []byte("trace"), nil
	}
	return l.Zap().MarshalText()
}

// Zap returns l as a zapcore.Level.
func (l Level) Zap() zapcore.Level { return zapcore.Level(l) }
