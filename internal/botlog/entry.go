package botlog

import (
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Level is the severity assigned to a line of bot output.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Output sources.
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
	SourceLink   = "link"
)

// Entry is a single classified line of bot output.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

// Error and warn patterns. Error patterns are checked first, so a line that
// matches both is classified as an error.
var (
	errorPatterns = compileAll(
		`\berror\b`,
		`\bexception\b`,
		`\bfailed\b`,
		`\bfailure\b`,
		`\bcritical\b`,
		`\bfatal\b`,
		`\[error\]`,
		`\[err\]`,
	)
	warnPatterns = compileAll(
		`\bwarn(ing)?\b`,
		`\[warn(ing)?\]`,
		`\bcaution\b`,
	)
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + expr)
	}
	return out
}

// StripANSI removes terminal escape sequences (colors, cursor movement) from text.
func StripANSI(text string) string {
	if !strings.ContainsRune(text, '\x1b') {
		return text
	}
	return ansi.Strip(text)
}

// ParseLevel classifies a line of output.
func ParseLevel(line string) Level {
	for _, re := range errorPatterns {
		if re.MatchString(line) {
			return LevelError
		}
	}
	for _, re := range warnPatterns {
		if re.MatchString(line) {
			return LevelWarn
		}
	}
	return LevelInfo
}

// ParseLevelName parses a level name as used in queries.
func ParseLevelName(s string) (Level, bool) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelInfo:
		return LevelInfo, true
	case LevelWarn, "warning":
		return LevelWarn, true
	case LevelError:
		return LevelError, true
	}
	return "", false
}

// NewEntry builds an Entry from a raw output line. It returns false for
// lines that are blank once escape codes are removed. Lines from stderr are
// never classified below warn.
func NewEntry(raw, source string, now time.Time) (Entry, bool) {
	msg := strings.TrimRight(StripANSI(raw), " \t\r\n")
	if strings.TrimSpace(msg) == "" {
		return Entry{}, false
	}
	level := ParseLevel(msg)
	if source == SourceStderr && level == LevelInfo {
		level = LevelWarn
	}
	return Entry{
		Timestamp: now.UTC(),
		Level:     level,
		Message:   msg,
		Source:    source,
	}, true
}
