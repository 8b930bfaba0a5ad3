package extract

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"scrapeq/internal/domain"
	"scrapeq/internal/ports"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxSkills caps how many skills one page can yield.
const MaxSkills = 15

//go:embed lexicon.yaml
var defaultLexicon []byte

var (
	_ ports.Extractor = (*Lexicon)(nil)
	_ ports.Validator = MinSkills(0)
)

type term struct {
	name string
	re   *regexp.Regexp
}

// Lexicon finds known skill names and their aliases in free text.
type Lexicon struct {
	terms []term
}

// LoadLexicon reads a canonical-name to aliases YAML map. An empty path
// loads the built-in lexicon.
func LoadLexicon(path string) (*Lexicon, error) {
	b := defaultLexicon
	if path != "" {
		var err error
		if b, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read lexicon: %w", err)
		}
	}
	var m map[string][]string
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	return NewLexicon(m)
}

func NewLexicon(m map[string][]string) (*Lexicon, error) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	l := &Lexicon{terms: make([]term, 0, len(names))}
	for _, name := range names {
		alts := []string{regexp.QuoteMeta(strings.ToLower(name))}
		for _, a := range m[name] {
			if a = strings.TrimSpace(a); a != "" {
				alts = append(alts, regexp.QuoteMeta(strings.ToLower(a)))
			}
		}
		re, err := regexp.Compile(`(?i)(?:^|[^\w+#.])(?:` + strings.Join(alts, "|") + `)(?:$|[^\w+#])`)
		if err != nil {
			return nil, fmt.Errorf("skill %q: %w", name, err)
		}
		l.terms = append(l.terms, term{name: name, re: re})
	}
	return l, nil
}

// Extract returns canonical skill names in order of first mention.
func (l *Lexicon) Extract(text string) []string {
	type hit struct {
		name string
		at   int
	}
	var hits []hit
	for _, t := range l.terms {
		if loc := t.re.FindStringIndex(text); loc != nil {
			hits = append(hits, hit{name: t.name, at: loc[0]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })

	out := make([]string, 0, min(len(hits), MaxSkills))
	for _, h := range hits {
		if len(out) == MaxSkills {
			break
		}
		out = append(out, h.name)
	}
	return out
}

// MinSkills rejects pages that mention fewer than n known skills.
type MinSkills int

func (n MinSkills) Validate(t domain.Task, extracted []string) (bool, string) {
	if len(extracted) >= int(n) {
		return true, ""
	}
	return false, fmt.Sprintf("found %d skills, need %d", len(extracted), int(n))
}
