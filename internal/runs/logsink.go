package runs

import "sync"

// LogSink is an append-only, 0-indexed sequence of log lines with one
// producer and any number of concurrent readers. Readers never block the
// producer for longer than a slice copy.
type LogSink struct {
	mu    sync.RWMutex
	lines []string
}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Append(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

// Read returns a copy of every line at index >= from and the offset to pass
// on the next call. A from at or past the end yields no lines and
// next == from; a negative from reads from the beginning.
func (s *LogSink) Read(from int) (lines []string, next int) {
	if from < 0 {
		from = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from >= len(s.lines) {
		return []string{}, from
	}
	out := make([]string, len(s.lines)-from)
	copy(out, s.lines[from:])
	return out, from + len(out)
}

func (s *LogSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines)
}
