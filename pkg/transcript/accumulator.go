// Package transcript accumulates streamed transcript deltas into sentences.
package transcript

import (
	"strings"
	"sync"
)

type Config struct {
	// MaxHistory bounds the ring of recent sentences.
	MaxHistory int
	// MaxRunes forces a flush of unterminated text.
	MaxRunes int
}

// Accumulator is safe for concurrent use.
type Accumulator struct {
	mu      sync.Mutex
	cfg     Config
	buf     []rune
	history []string
}

func NewAccumulator(cfg Config) *Accumulator {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 8
	}
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = 512
	}
	return &Accumulator{cfg: cfg}
}

// Add appends a delta and returns every sentence it completed.
func (a *Accumulator) Add(delta string) []string {
	if delta == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = append(a.buf, []rune(delta)...)

	var out []string
	start := 0
	for i, r := range a.buf {
		if !isBoundary(r) {
			continue
		}
		if i+1 < len(a.buf) && isBoundary(a.buf[i+1]) {
			continue
		}
		if s := a.emitLocked(a.buf[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	a.buf = append(a.buf[:0], a.buf[start:]...)
	if len(a.buf) >= a.cfg.MaxRunes {
		if s := a.emitLocked(a.buf); s != "" {
			out = append(out, s)
		}
		a.buf = a.buf[:0]
	}
	return out
}

// Flush returns and clears unterminated text.
func (a *Accumulator) Flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.emitLocked(a.buf)
	a.buf = a.buf[:0]
	return s
}

// Reset drops unterminated text, keeping history.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = a.buf[:0]
}

// Recent returns the last completed sentences, oldest first.
func (a *Accumulator) Recent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}

// Summary joins the recent sentences.
func (a *Accumulator) Summary() string {
	return strings.Join(a.Recent(), " ")
}

func (a *Accumulator) emitLocked(rs []rune) string {
	s := strings.TrimSpace(string(rs))
	if strings.TrimFunc(s, isBoundary) == "" {
		return ""
	}
	a.history = append(a.history, s)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
	return s
}

func isBoundary(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?', '」', '\n':
		return true
	}
	return false
}
