package logging

import (
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// Logging level. Higher values indicate more verbosity.
type Level int

const (
	Error Level = iota - 2
	Warn
	Info
	Debug

	// Allow numeric logging levels up to 9.
	MaxLevel Level = 9
)

// Default level can be changed by environment variable.
var defaultLevel = Info

var (
	errorColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgRed)
	infoColor  = color.New(color.Reset)
	debugColor = color.New(color.FgGreen)
	traceColor = color.New(color.FgYellow)
	stampColor = color.New(color.FgWhite)
)

// ParseLevel accepts a level name ("error", "W", "debug", ...) or a number in
// the range [-2, 9].
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "E", "ERROR":
		return Error, nil
	case "W", "WARN":
		return Warn, nil
	case "I", "INFO":
		return Info, nil
	case "D", "DEBUG":
		return Debug, nil
	case "T", "TRACE":
		return MaxLevel, nil
	}

	// Otherwise expect an explicit numeric level.
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("invalid logging level: %s", s)
	}
	level := Level(n)
	if level < Error || level > MaxLevel {
		return 0, errors.Errorf("numeric level out of range: %s", s)
	}
	return level, nil
}

func (l Level) String() string {
	switch l {
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return strconv.Itoa(int(l))
	}
}

func (l Level) letter() byte {
	if l <= Debug {
		return "EWID"[l-Error]
	}
	// Numeric values up to 9 are allowed.
	return byte('0' + l)
}

func (l Level) color() *color.Color {
	switch l {
	case Error:
		return errorColor
	case Warn:
		return warnColor
	case Info:
		return infoColor
	case Debug:
		return debugColor
	default:
		return traceColor
	}
}
