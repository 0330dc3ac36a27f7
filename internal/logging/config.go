package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

const envVar = "LOGLEVEL"

type tagLevel struct {
	tag   string
	level Level
}

var (
	tagLevelsMu sync.RWMutex
	tagLevels   []tagLevel
)

func init() {
	if err := Configure(os.Getenv(envVar)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid %s: %v\n", envVar, err)
	}
}

// Configure parses comma-separated "tag=level" directives. A directive without
// "tag=" sets the default level. Loggers derived afterwards pick up the new
// levels; the default logger is updated in place.
func Configure(directives string) error {
	var firstErr error
	for _, d := range strings.Split(directives, ",") {
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		level, err := ParseLevel(v[len(v)-1])
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("directive '%s': %v", d, err)
			}
			continue
		}
		if len(v) == 1 {
			defaultLevel = level
		} else {
			tagLevelsMu.Lock()
			tagLevels = append(tagLevels, tagLevel{v[0], level})
			tagLevelsMu.Unlock()
		}
	}

	DefaultLogger.Level = defaultLevel
	return firstErr
}

func determineLevel(tag string, fallback Level) Level {
	tagLevelsMu.RLock()
	defer tagLevelsMu.RUnlock()

	// Later directives win.
	for i := len(tagLevels) - 1; i >= 0; i-- {
		if tagLevels[i].tag == tag {
			return tagLevels[i].level
		}
	}
	return fallback
}
