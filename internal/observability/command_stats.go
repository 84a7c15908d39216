// Package observability tracks how often external commands ran, how long
// they took and how they exited, so a run can report where its time went.
package observability

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// CommandStats aggregates command executions by Key.
type CommandStats struct {
	mu    sync.RWMutex
	byKey map[string]*CommandStat
}

// CommandStat holds statistics for one command key.
type CommandStat struct {
	Key       string
	Count     int64
	Total     time.Duration
	Max       time.Duration
	LastSeen  time.Time
	ExitCodes map[int]int // exit code → count
}

// NewCommandStats creates an empty tracker.
func NewCommandStats() *CommandStats {
	return &CommandStats{byKey: make(map[string]*CommandStat)}
}

// Key groups a shell command line: the program's base name, plus its first
// argument when the program is a local tool invoked as ./name ("pgedge setup").
func Key(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	prog := filepath.Base(fields[0])
	if strings.HasPrefix(fields[0], "./") && len(fields) > 1 {
		return prog + " " + strings.Trim(fields[1], "'")
	}
	return prog
}

// Record records one execution. Safe for concurrent use.
func (c *CommandStats) Record(command string, exitCode int, d time.Duration) {
	key := Key(command)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byKey[key]
	if !ok {
		s = &CommandStat{Key: key, ExitCodes: make(map[int]int)}
		c.byKey[key] = s
	}
	s.Count++
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
	s.LastSeen = time.Now()
	s.ExitCodes[exitCode]++
}

// Top returns copies of the n keys with the largest total duration.
func (c *CommandStats) Top(n int) []CommandStat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || len(c.byKey) == 0 {
		return []CommandStat{}
	}

	stats := make([]CommandStat, 0, len(c.byKey))
	for _, s := range c.byKey {
		cp := *s
		cp.ExitCodes = make(map[int]int, len(s.ExitCodes))
		for code, count := range s.ExitCodes {
			cp.ExitCodes[code] = count
		}
		stats = append(stats, cp)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Total != stats[j].Total {
			return stats[i].Total > stats[j].Total
		}
		return stats[i].Key < stats[j].Key
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Failures returns the number of recorded executions with a non-zero exit.
func (c *CommandStats) Failures() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int64
	for _, s := range c.byKey {
		for code, count := range s.ExitCodes {
			if code != 0 {
				n += int64(count)
			}
		}
	}
	return n
}

// Reset drops everything recorded so far.
func (c *CommandStats) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string]*CommandStat)
}
