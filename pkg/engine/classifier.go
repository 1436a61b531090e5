package engine

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Classifier maps captured body output to an error class. The orchestrator
// needs only the three-way answer; anything smarter (pattern files shipped
// with playbooks) plugs in behind this interface.
type Classifier interface {
	Classify(output string) (ErrorClass, string)
}

type patternRule struct {
	re    *regexp.Regexp
	class ErrorClass
	hint  string
}

// PatternClassifier matches output against an ordered regexp table. First
// match wins; no match is fatal.
type PatternClassifier struct {
	rules []patternRule
}

// Classify returns the class of the first matching rule and its remediation
// hint, or fatal with no hint when nothing matches.
func (c *PatternClassifier) Classify(output string) (ErrorClass, string) {
	for _, r := range c.rules {
		if r.re.MatchString(output) {
			return r.class, r.hint
		}
	}
	return ErrorClassFatal, ""
}

// classifierFile is the YAML shape of a pattern table.
type classifierFile struct {
	Patterns []struct {
		Pattern string `yaml:"pattern"`
		Class   string `yaml:"class"`
		Hint    string `yaml:"hint"`
	} `yaml:"patterns"`
}

// LoadClassifier reads a pattern table from a YAML file. Rules keep file
// order, so more specific patterns belong first.
func LoadClassifier(path string) (*PatternClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}

	var f classifierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file %s: %w", path, err)
	}

	c := &PatternClassifier{}
	for i, p := range f.Patterns {
		switch ErrorClass(p.Class) {
		case ErrorClassTransient, ErrorClassFixable, ErrorClassFatal:
		default:
			return nil, fmt.Errorf("pattern %d in %s has unknown class %q", i, path, p.Class)
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %d in %s does not compile: %w", i, path, err)
		}
		c.rules = append(c.rules, patternRule{re: re, class: ErrorClass(p.Class), hint: p.Hint})
	}
	return c, nil
}

// DefaultClassifier covers the common remote failure modes seen in practice.
func DefaultClassifier() *PatternClassifier {
	c := &PatternClassifier{}
	for _, d := range []struct {
		pattern string
		class   ErrorClass
		hint    string
	}{
		{`(?i)token.*(expired|invalid)|AADSTS|re-?authenticate|az login`, ErrorClassTransient, "refresh credentials and retry"},
		{`(?i)too many requests|status code 429|throttl|RetryableError`, ErrorClassTransient, "back off and retry"},
		{`(?i)timed? ?out|connection (reset|refused)|temporarily unavailable|ServiceUnavailable|status code 50[234]`, ErrorClassTransient, "remote side flaky, retry"},
		{`(?i)conflict.*in progress|another operation is in progress|OperationNotAllowed.*busy`, ErrorClassTransient, "wait for the concurrent operation to finish"},
		{`(?i)already exists|name.*(not available|already in use|already taken)|AlreadyExists`, ErrorClassFixable, "pick a different name or adopt the existing resource"},
		{`(?i)MissingSubscriptionRegistration|subscription is not registered`, ErrorClassFixable, "register the resource provider"},
		{`(?i)quota.*exceeded|QuotaExceeded|limit.*exceeded`, ErrorClassFixable, "request a quota increase or free capacity"},
		{`(?i)authorization ?failed|forbidden|AuthorizationFailed|permission denied`, ErrorClassFatal, ""},
		{`(?i)InvalidTemplate|validation failed|BadRequest`, ErrorClassFatal, ""},
	} {
		c.rules = append(c.rules, patternRule{
			re:    regexp.MustCompile(d.pattern),
			class: d.class,
			hint:  d.hint,
		})
	}
	return c
}
