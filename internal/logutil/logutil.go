// Package logutil holds slog helpers shared by the recorder packages.
package logutil

import (
	"fmt"
	"strings"

	"github.com/decred/slog"
)

// prefixLogger prepends a fixed tag to every message of the wrapped logger.
type prefixLogger struct {
	slog.Logger
	prefix string
}

func (p *prefixLogger) args(v []interface{}) []interface{} {
	return append([]interface{}{p.prefix}, v...)
}

func (p *prefixLogger) Tracef(format string, params ...interface{}) {
	p.Logger.Tracef(p.prefix+" "+format, params...)
}

func (p *prefixLogger) Debugf(format string, params ...interface{}) {
	p.Logger.Debugf(p.prefix+" "+format, params...)
}

func (p *prefixLogger) Infof(format string, params ...interface{}) {
	p.Logger.Infof(p.prefix+" "+format, params...)
}

func (p *prefixLogger) Warnf(format string, params ...interface{}) {
	p.Logger.Warnf(p.prefix+" "+format, params...)
}

func (p *prefixLogger) Errorf(format string, params ...interface{}) {
	p.Logger.Errorf(p.prefix+" "+format, params...)
}

func (p *prefixLogger) Criticalf(format string, params ...interface{}) {
	p.Logger.Criticalf(p.prefix+" "+format, params...)
}

func (p *prefixLogger) Trace(v ...interface{})    { p.Logger.Trace(p.args(v)...) }
func (p *prefixLogger) Debug(v ...interface{})    { p.Logger.Debug(p.args(v)...) }
func (p *prefixLogger) Info(v ...interface{})     { p.Logger.Info(p.args(v)...) }
func (p *prefixLogger) Warn(v ...interface{})     { p.Logger.Warn(p.args(v)...) }
func (p *prefixLogger) Error(v ...interface{})    { p.Logger.Error(p.args(v)...) }
func (p *prefixLogger) Critical(v ...interface{}) { p.Logger.Critical(p.args(v)...) }

// PrefixLogger returns a logger that tags every message with prefix, e.g.
// "[MIC]". Level changes apply to the wrapped logger.
func PrefixLogger(log slog.Logger, prefix string) slog.Logger {
	if log == nil {
		log = slog.Disabled
	}
	return &prefixLogger{Logger: log, prefix: prefix}
}

// DebugLevels is a parsed debuglevel string.
type DebugLevels struct {
	Default    slog.Level
	Subsystems map[string]slog.Level
}

// Level returns the level for the subsystem.
func (dl DebugLevels) Level(subsys string) slog.Level {
	if l, ok := dl.Subsystems[subsys]; ok {
		return l
	}
	return dl.Default
}

// ParseDebugLevels parses strings such as "info" or
// "info,CONS=debug,CAPT=trace". A bare level sets the default for every
// subsystem not listed explicitly.
func ParseDebugLevels(s string) (DebugLevels, error) {
	res := DebugLevels{
		Default:    slog.LevelInfo,
		Subsystems: make(map[string]slog.Level),
	}
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		fields := strings.Split(v, "=")
		switch len(fields) {
		case 1:
			level, ok := slog.LevelFromString(fields[0])
			if !ok {
				return res, fmt.Errorf("unknown log level %q", fields[0])
			}
			res.Default = level
		case 2:
			level, ok := slog.LevelFromString(fields[1])
			if !ok {
				return res, fmt.Errorf("unknown log level %q for "+
					"subsystem %s", fields[1], fields[0])
			}
			res.Subsystems[strings.ToUpper(fields[0])] = level
		default:
			return res, fmt.Errorf("unable to parse %q as subsys=level "+
				"debuglevel string", v)
		}
	}
	return res, nil
}
