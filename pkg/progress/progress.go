// Package progress extracts human-readable progress indicators from worker
// output.
package progress

import (
	"regexp"
	"strings"
)

// percentPattern matches a 1-3 digit number directly followed by '%'.
//
// The digits must start on a word edge and the '%' must not be followed by a
// word character, so "55%", "done 99%" and "[Progress] 7% (frame 3)" match
// while "1234%" and "10%abc" do not.
var percentPattern = regexp.MustCompile(`\b\d{1,3}%\B`)

// Extract returns the trimmed line and true when it carries a percentage
// token. Lines without a token return "" and false.
func Extract(line string) (string, bool) {
	msg := strings.TrimSpace(line)
	if msg == "" {
		return "", false
	}
	if !percentPattern.MatchString(msg) {
		return "", false
	}
	return msg, true
}

// Last returns the last line in lines that carries a percentage token.
func Last(lines []string) string {
	last := ""
	for _, l := range lines {
		if msg, ok := Extract(l); ok {
			last = msg
		}
	}
	return last
}
