package reaper

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Resolution records how a workload PID was located on a node. The saved
// PID is frequently wrong in practice: over SSH it is the shepherd shell,
// not the training process, so pattern matching runs first and the saved
// PID is only trusted when nothing better turns up.
type Resolution int

const (
	// ExactSavedPID means the registry PID was used unchanged.
	ExactSavedPID Resolution = iota
	// ResolvedChildPID means a child of the saved PID was found instead.
	ResolvedChildPID
	// PatternMatchedPID means the process table matched the known command.
	PatternMatchedPID
)

func (r Resolution) String() string {
	switch r {
	case ResolvedChildPID:
		return "child of saved pid"
	case PatternMatchedPID:
		return "pattern match"
	default:
		return "saved pid"
	}
}

type psEntry struct {
	pid     int
	ppid    int
	command string
}

// parsePS splits `ps -eo pid,ppid,command` output into entries, dropping
// the header and anything that does not parse.
func parsePS(out string) []psEntry {
	var entries []psEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		entries = append(entries, psEntry{pid: pid, ppid: ppid, command: strings.Join(fields[2:], " ")})
	}
	return entries
}

// workloadPatterns derives the strings to look for in a process table from
// the recorded command. Shell quoting is stripped because ps shows the
// argv, not the quoted form; the script's base name is matched too since
// interpreters often re-exec with a different prefix.
func workloadPatterns(script string) []string {
	clean := strings.TrimSpace(strings.ReplaceAll(script, "'", ""))
	if clean == "" {
		return nil
	}
	patterns := []string{clean}
	fields := strings.Fields(clean)
	last := fields[len(fields)-1]
	if base := filepath.Base(last); base != last && base != "." && base != "/" {
		patterns = append(patterns, base)
	}
	return patterns
}

func matchesWorkload(command, script string) bool {
	for _, p := range workloadPatterns(script) {
		if strings.Contains(command, p) {
			return true
		}
	}
	return false
}

// ResolveWorkloadPID finds the real training process in a node's process
// table. Order: pattern match against the recorded command, then a child of
// the saved PID, then the saved PID itself. Sentinel processes and the scan
// command itself never match.
func ResolveWorkloadPID(psOutput string, savedPID int, script string) (int, Resolution) {
	entries := parsePS(psOutput)

	for _, e := range entries {
		if IsSentinel(e.command) || strings.Contains(e.command, "ps -eo") {
			continue
		}
		if matchesWorkload(e.command, script) {
			return e.pid, PatternMatchedPID
		}
	}
	if savedPID > 0 {
		for _, e := range entries {
			if e.ppid == savedPID && !IsSentinel(e.command) {
				return e.pid, ResolvedChildPID
			}
		}
	}
	return savedPID, ExactSavedPID
}

// commandFor returns the command line of one PID from a process table.
func commandFor(psOutput string, pid int) (string, bool) {
	for _, e := range parsePS(psOutput) {
		if e.pid == pid {
			return e.command, true
		}
	}
	return "", false
}
