// Package parser classifies lines of verbose pytest output into test events.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
)

// identPattern matches a node id: non-colon segments joined by "::", with at
// least one separator.
const identPattern = `([^\s:][^:]*?(?:::[^:]+?)+)`

var (
	// tests/test_mod.py::TestC::test_x ...
	startRegex = regexp.MustCompile(`^` + identPattern + `\s+\.\.\.\s*$`)
	// tests/test_mod.py::test_x PASSED (reason) [ 50%]
	// tests/test_mod.py::test_x ... FAILED
	finishRegex = regexp.MustCompile(`^` + identPattern + `\s+(?:\.\.\.\s+)?(PASSED|FAILED|SKIPPED|ERROR)\b(?:\s+\(([^)]*)\))?(?:\s*\[\s*\d+%\])?`)

	collectedRegex = regexp.MustCompile(`collected (\d+) items?`)
	percentRegex   = regexp.MustCompile(`\[\s*(\d+)%\]`)
	probableRegex  = regexp.MustCompile(`^(\S+::\S+)`)
)

// Classify turns one output line into a test event. ok is false for lines
// that carry no structural meaning; those are reported as RawLine events.
func Classify(line string) (ev domain.TestEvent, ok bool) {
	line = strings.TrimRight(line, "\r\n")

	if m := startRegex.FindStringSubmatch(line); m != nil {
		ev = domain.TestStarted(strings.TrimSpace(m[1]))
		ev.Line = line
		return ev, true
	}

	if m := finishRegex.FindStringSubmatch(line); m != nil {
		outcome, _ := domain.ParseOutcome(m[2]) // regex limits the word
		ev = domain.TestFinished(strings.TrimSpace(m[1]), outcome)
		ev.Reason = m[3]
		ev.Line = line
		return ev, true
	}

	if m := collectedRegex.FindStringSubmatch(line); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			ev = domain.CollectionCount(n)
			ev.Line = line
			return ev, true
		}
	}

	if m := percentRegex.FindStringSubmatch(line); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return domain.TestEvent{Kind: domain.EventPercent, Count: n, Line: line}, true
		}
	}

	return domain.RawLine(line), false
}

// ProbableTest extracts a leading node id from a line that was not
// classified. Used as a display hint for the test that is probably running.
func ProbableTest(line string) (string, bool) {
	if !strings.Contains(line, "::") {
		return "", false
	}
	m := probableRegex.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	return m[1], true
}
