package videogen

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

func validateGlob(glob string) error {
	if glob == "" {
		return nil
	}
	if !doublestar.ValidatePattern(glob) {
		return fmt.Errorf("videogen: invalid artifact glob %q", glob)
	}
	return nil
}

// artifactPattern matches absolute paths ending in suffix. A path must start
// the line or follow whitespace, a quote, '(' or '='. POSIX paths stop at
// whitespace or quotes; Windows drive paths may contain spaces.
func artifactPattern(suffix string) *regexp.Regexp {
	s := regexp.QuoteMeta(suffix)
	end := ""
	if last := suffix[len(suffix)-1]; last == '_' || isAlnum(last) {
		end = `\b`
	}
	return regexp.MustCompile(`(?i)(?:^|[\s"'(=])(/[^\s"']*?` + s + `|[A-Za-z]:\\[^\r\n"']*?` + s + `)` + end)
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func artifactCandidates(re *regexp.Regexp, line string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(line, -1) {
		out = append(out, m[1])
	}
	return out
}

// recoverArtifact scans worker stdout for a reported artifact path. The first
// candidate that exists on disk (and matches the glob, when set) wins.
func (o *Orchestrator) recoverArtifact(lines []string) (string, bool) {
	re := artifactPattern(o.cfg.ArtifactSuffix)
	for _, line := range lines {
		for _, candidate := range artifactCandidates(re, line) {
			if !o.globAllows(candidate) {
				continue
			}
			if isFile(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

func (o *Orchestrator) globAllows(path string) bool {
	if o.cfg.ArtifactGlob == "" {
		return true
	}
	ok, err := doublestar.Match(o.cfg.ArtifactGlob, filepath.ToSlash(path))
	return err == nil && ok
}

// lineBuffer keeps the most recent lines within a byte budget.
type lineBuffer struct {
	max  int
	size int
	buf  []string
}

func newLineBuffer(max int) *lineBuffer {
	return &lineBuffer{max: max}
}

func (b *lineBuffer) add(line string) {
	b.buf = append(b.buf, line)
	b.size += len(line) + 1
	for b.size > b.max && len(b.buf) > 1 {
		b.size -= len(b.buf[0]) + 1
		b.buf = b.buf[1:]
	}
}

func (b *lineBuffer) lines() []string {
	return b.buf
}

func (b *lineBuffer) text() string {
	return strings.Join(b.buf, "\n")
}
