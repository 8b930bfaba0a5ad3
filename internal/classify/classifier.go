package classify

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"scrapeq/internal/domain"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

type LanguageRules struct {
	Threshold  int                 `yaml:"threshold"`
	Indicators map[string][]string `yaml:"indicators"`
}

// Rules holds the phrase and pattern lists the classifier matches against.
// All phrase matching is case-insensitive.
type Rules struct {
	ExpiredPhrases       []string      `yaml:"expired_phrases"`
	GenericTitles        []string      `yaml:"generic_titles"`
	DetailURLPattern     string        `yaml:"detail_url_pattern"`
	LoginURLMarkers      []string      `yaml:"login_url_markers"`
	LoginPhrases         []string      `yaml:"login_phrases"`
	LoginPhraseThreshold int           `yaml:"login_phrase_threshold"`
	MinDescriptionLength int           `yaml:"min_description_length"`
	Language             LanguageRules `yaml:"language"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	var r Rules
	if err := yaml.Unmarshal(defaultRules, &r); err != nil {
		panic(fmt.Sprintf("classify: embedded rules: %v", err))
	}
	return r
}

// LoadRules reads a YAML rule file on top of the defaults. Keys missing from
// the file keep their default value. An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	r := DefaultRules()
	if path == "" {
		return r, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Rules{}, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return r, nil
}

// Classifier turns a fetched page into exactly one Outcome. It holds no
// mutable state and is safe for concurrent use.
type Classifier struct {
	rules      Rules
	detail     *regexp.Regexp
	languages  []string
	indicators map[string][]*regexp.Regexp
}

func New(rules Rules) (*Classifier, error) {
	c := &Classifier{rules: rules}
	if rules.DetailURLPattern != "" {
		re, err := regexp.Compile(rules.DetailURLPattern)
		if err != nil {
			return nil, fmt.Errorf("detail url pattern: %w", err)
		}
		c.detail = re
	}
	if c.rules.LoginPhraseThreshold < 1 {
		c.rules.LoginPhraseThreshold = 2
	}
	if c.rules.Language.Threshold < 1 {
		c.rules.Language.Threshold = 3
	}
	c.rules.ExpiredPhrases = lowerAll(rules.ExpiredPhrases)
	c.rules.GenericTitles = lowerAll(rules.GenericTitles)
	c.rules.LoginURLMarkers = lowerAll(rules.LoginURLMarkers)
	c.rules.LoginPhrases = lowerAll(rules.LoginPhrases)
	c.indicators = make(map[string][]*regexp.Regexp, len(rules.Language.Indicators))
	for lang, words := range rules.Language.Indicators {
		for _, w := range lowerAll(words) {
			re, err := wordPattern(w)
			if err != nil {
				return nil, fmt.Errorf("%s indicator %q: %w", lang, w, err)
			}
			c.indicators[lang] = append(c.indicators[lang], re)
		}
		c.languages = append(c.languages, lang)
	}
	sort.Strings(c.languages)
	return c, nil
}

// Classify applies the rules in priority order; the first match wins.
func (c *Classifier) Classify(p domain.Page) domain.Outcome {
	switch {
	case p.Status == http.StatusTooManyRequests:
		return domain.RateLimited()
	case p.Status == http.StatusNotFound, p.Status == http.StatusGone:
		return domain.Expired(fmt.Sprintf("http %d", p.Status))
	case p.Status >= 500:
		return domain.ServerError(fmt.Sprintf("http %d", p.Status))
	}

	title := strings.TrimSpace(p.Title)
	body := strings.TrimSpace(p.Body)
	lowerBody := strings.ToLower(body)

	if phrase, ok := containsAny(lowerBody, c.rules.ExpiredPhrases); ok {
		return domain.Expired("expired phrase: " + phrase)
	}
	if body == "" && c.isGenericTitle(title) {
		return domain.Expired("generic title: " + title)
	}

	loginURL := c.isLoginURL(p.FinalURL)
	if !loginURL && c.redirectedAway(p) {
		return domain.Expired("redirected away to " + p.FinalURL)
	}

	missing := c.missingContent(title, body)
	if missing != "" && (loginURL || c.loginPhraseCount(lowerBody) >= c.rules.LoginPhraseThreshold) {
		return domain.AuthWall("login required: " + missing)
	}
	if missing != "" {
		return domain.ValidationFailed(missing)
	}

	if lang := c.detectLanguage(lowerBody); lang != "" {
		return domain.Skipped("non-target language: " + lang)
	}

	return domain.Success(domain.Payload{
		Title:    title,
		Body:     body,
		FinalURL: p.FinalURL,
	})
}

func (c *Classifier) isGenericTitle(title string) bool {
	t := strings.ToLower(title)
	for _, g := range c.rules.GenericTitles {
		if t == g {
			return true
		}
	}
	return false
}

func (c *Classifier) isLoginURL(u string) bool {
	_, ok := containsAny(strings.ToLower(u), c.rules.LoginURLMarkers)
	return ok
}

// redirectedAway reports a final URL that is neither a detail page nor
// carries the identifier of the requested page.
func (c *Classifier) redirectedAway(p domain.Page) bool {
	if c.detail == nil || p.FinalURL == "" {
		return false
	}
	if strings.TrimRight(p.FinalURL, "/") == strings.TrimRight(p.RequestURL, "/") {
		return false
	}
	if c.detail.MatchString(p.FinalURL) {
		return false
	}
	id := domain.LastPathSegment(p.RequestURL)
	return id == "" || !strings.Contains(p.FinalURL, id)
}

func (c *Classifier) missingContent(title, body string) string {
	if title == "" {
		return "empty title"
	}
	if n := utf8.RuneCountInString(body); n < c.rules.MinDescriptionLength {
		return fmt.Sprintf("description too short (%d chars)", n)
	}
	return ""
}

func (c *Classifier) loginPhraseCount(lowerBody string) int {
	n := 0
	for _, p := range c.rules.LoginPhrases {
		if strings.Contains(lowerBody, p) {
			n++
		}
	}
	return n
}

func (c *Classifier) detectLanguage(lowerBody string) string {
	for _, lang := range c.languages {
		n := 0
		for _, re := range c.indicators[lang] {
			if re.MatchString(lowerBody) {
				n++
			}
		}
		if n >= c.rules.Language.Threshold {
			return lang
		}
	}
	return ""
}

// wordPattern matches w only as a whole word or phrase, so "krav" does not
// fire inside "extravagant".
func wordPattern(w string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?:^|[^\p{L}\p{N}])` + regexp.QuoteMeta(w) + `(?:$|[^\p{L}\p{N}])`)
}

func containsAny(s string, needles []string) (string, bool) {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return n, true
		}
	}
	return "", false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
