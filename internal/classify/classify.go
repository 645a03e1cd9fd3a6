// Package classify turns raw compiler and runtime error output into a short
// human-readable message.
//
// Rules are tried in order and the first match wins. Add new language error
// formats by adding a Rule; the orchestration code never needs to change.
package classify

import (
	"regexp"
	"strings"
)

// Unknown is returned when no rule matches.
const Unknown = "An unknown error occurred while running the code."

// maxScan bounds how much output the rules look at.
const maxScan = 64 << 10

// Rule pairs a pattern with the formatter applied to its submatches.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Format  func(c *Classifier, m []string, text string) string
}

// Classifier applies an ordered rule list.
type Classifier struct {
	rules   []Rule
	lineRef *regexp.Regexp
}

var (
	runtimeKinds = regexp.MustCompile(`\b(SyntaxError|ReferenceError|TypeError|NameError|IndentationError|RangeError|ZeroDivisionError|ValueError|KeyError|IndexError|AttributeError|ImportError|ModuleNotFoundError|RecursionError): (.+)`)
	rubyError    = regexp.MustCompile("(?m)^(?:[^\\s:]*/)?[\\w.-]+:(\\d+):in [`'].*?': (.+) \\(([A-Z]\\w*(?:::[A-Z]\\w*)*)\\)$")
	goPanic      = regexp.MustCompile(`(?m)^panic: (.+)`)
	compileError = regexp.MustCompile(`error(?:\[\w+\])?: (.+)`)
	goCompile    = regexp.MustCompile(`(?m)\.go:\d+:\d+: (.+)`)
	genericError = regexp.MustCompile(`([\w.$]*(?:Error|Exception)): (.+)`)
)

// DefaultRules returns the built-in ordered rule list.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "runtime",
			Pattern: runtimeKinds,
			Format: func(c *Classifier, m []string, text string) string {
				return m[1] + ": " + strings.TrimSpace(m[2]) + c.lineSuffix(text)
			},
		},
		{
			Name:    "ruby",
			Pattern: rubyError,
			Format: func(_ *Classifier, m []string, _ string) string {
				return m[3] + ": " + strings.TrimSpace(m[2]) + " at line " + m[1]
			},
		},
		{
			Name:    "panic",
			Pattern: goPanic,
			Format: func(_ *Classifier, m []string, _ string) string {
				return "Panic: " + strings.TrimSpace(m[1])
			},
		},
		{
			Name:    "compile",
			Pattern: compileError,
			Format:  compilation,
		},
		{
			Name:    "compile-go",
			Pattern: goCompile,
			Format:  compilation,
		},
		{
			Name:    "generic",
			Pattern: genericError,
			Format: func(_ *Classifier, m []string, _ string) string {
				return m[1] + ": " + strings.TrimSpace(m[2])
			},
		},
	}
}

func compilation(_ *Classifier, m []string, _ string) string {
	return "Compilation Error: " + strings.TrimSpace(m[1])
}

// New builds a classifier that recognises line references to the given
// source file names. With no names it matches any program.<ext> file.
func New(fileNames ...string) *Classifier {
	return NewWithRules(DefaultRules(), fileNames...)
}

// NewWithRules builds a classifier from a custom rule list.
func NewWithRules(rules []Rule, fileNames ...string) *Classifier {
	files := `[Pp]rogram\.\w+`
	if len(fileNames) > 0 {
		quoted := make([]string, len(fileNames))
		for i, f := range fileNames {
			quoted[i] = regexp.QuoteMeta(f)
		}
		files = "(?:" + strings.Join(quoted, "|") + ")"
	}
	// Matches "program.js:3" and Python's `File "/app/program.py", line 3`.
	lineRef := regexp.MustCompile(`\b` + files + `(?::(\d+)|", line (\d+))`)

	return &Classifier{rules: rules, lineRef: lineRef}
}

// Classify returns a message for the given error output. It never panics.
func (c *Classifier) Classify(text string) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = Unknown
		}
	}()

	if len(text) > maxScan {
		text = text[:maxScan]
	}
	for _, r := range c.rules {
		if m := r.Pattern.FindStringSubmatch(text); m != nil {
			return r.Format(c, m, text)
		}
	}
	return Unknown
}

func (c *Classifier) lineSuffix(text string) string {
	m := c.lineRef.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	line := m[1]
	if line == "" {
		line = m[2]
	}
	return " at line " + line
}
