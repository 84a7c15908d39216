// Package modules parses the engine CLI's module listing into a typed status
// per module name.
package modules

import (
	"sort"
	"strings"
	"unicode"
)

// Status tokens as printed in the listing's status column.
const (
	TokenInstalled    = "Installed"
	TokenNotInstalled = "Not Installed"
)

// Module is the parsed state of one module.
type Module struct {
	Installed bool
	// Version is the first numeric token after the module name on the
	// first installed line, empty if none was found.
	Version string
	// Lines holds every installed line that mentioned the module.
	Lines []string
}

// Status maps module name to its parsed state. Every requested name has an
// entry.
type Status map[string]Module

// Parse builds a Status for names from listing output. A line counts for a
// name when it contains the name and the installed token; every name is
// checked against every line, so a name that is a substring of another is
// still detected on its own line.
func Parse(output string, names []string) Status {
	status := make(Status, len(names))
	for _, name := range names {
		status[name] = Module{}
	}

	for _, line := range splitLines(output) {
		if !lineInstalled(line) {
			continue
		}
		for _, name := range names {
			if !strings.Contains(line, name) {
				continue
			}
			m := status[name]
			if !m.Installed {
				m.Installed = true
				m.Version = versionAfter(line, name)
			}
			m.Lines = append(m.Lines, strings.TrimSpace(line))
			status[name] = m
		}
	}
	return status
}

// Missing returns the sorted names that are not installed.
func (s Status) Missing() []string {
	return s.filter(false)
}

// Installed returns the sorted names that are installed.
func (s Status) Installed() []string {
	return s.filter(true)
}

// HasVersion reports whether name is installed and every installed line for
// it contains want.
func (s Status) HasVersion(name, want string) bool {
	m, ok := s[name]
	if !ok || !m.Installed {
		return false
	}
	for _, line := range m.Lines {
		if !strings.Contains(line, want) {
			return false
		}
	}
	return true
}

func (s Status) filter(installed bool) []string {
	var out []string
	for name, m := range s {
		if m.Installed == installed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// splitLines splits on real newlines and on the escaped two-character "\n"
// some wrappers print instead.
func splitLines(output string) []string {
	output = strings.ReplaceAll(output, `\n`, "\n")
	return strings.Split(output, "\n")
}

func lineInstalled(line string) bool {
	if strings.Contains(line, TokenNotInstalled) {
		return false
	}
	return strings.Contains(line, TokenInstalled)
}

func versionAfter(line, name string) string {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return unicode.IsSpace(r) || r == '|'
	})
	seen := false
	for _, f := range fields {
		if !seen {
			seen = strings.Contains(f, name)
			continue
		}
		if f[0] >= '0' && f[0] <= '9' {
			return f
		}
	}
	return ""
}
