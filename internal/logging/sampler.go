package logging

import (
	"sync"
	"time"
)

// Sampler forwards at most one message per interval to its logger. Messages
// dropped in between are counted and reported with the next one that gets
// through. Used on per-frame paths, where a stuck peripheral or a slow panel
// would otherwise log at the frame rate.
type Sampler struct {
	log      *Logger
	interval time.Duration

	mu         sync.Mutex
	last       time.Time
	suppressed int
}

func (log *Logger) Every(interval time.Duration) *Sampler {
	return &Sampler{log: log, interval: interval}
}

// Log is like Logger.Log, subject to sampling. Messages too verbose for the
// logger are discarded without counting.
func (s *Sampler) Log(level Level, calldepth int, format string, a ...interface{}) {
	if level > s.log.Level {
		return
	}

	s.mu.Lock()
	now := time.Now()
	if !s.last.IsZero() && now.Sub(s.last) < s.interval {
		s.suppressed++
		s.mu.Unlock()
		return
	}
	s.last = now
	n := s.suppressed
	s.suppressed = 0
	s.mu.Unlock()

	if n > 0 {
		format += " (%d similar suppressed)"
		a = append(a, n)
	}
	s.log.Log(level, calldepth+1, format, a...)
}

// Suppressed reports how many messages are waiting to be accounted for.
func (s *Sampler) Suppressed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

func (s *Sampler) Warn(format string, a ...interface{}) {
	s.Log(Warn, 1, format, a...)
}

func (s *Sampler) Debug(format string, a ...interface{}) {
	s.Log(Debug, 1, format, a...)
}
