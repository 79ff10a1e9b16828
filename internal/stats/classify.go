package stats

import (
	"regexp"
	"strings"
)

// FailureClass names a family of worker error messages.
type FailureClass string

const (
	ClassElementNotFound FailureClass = "element_not_found"
	ClassTimeout         FailureClass = "timeout"
	ClassNavigation      FailureClass = "navigation"
	ClassAssertion       FailureClass = "assertion"
	ClassNetwork         FailureClass = "network"
	ClassAIModel         FailureClass = "ai_model"
	ClassBrowserCrash    FailureClass = "browser_crash"
	ClassUnknown         FailureClass = "unknown"
)

// failurePattern maps a message shape to its class. The first match wins.
type failurePattern struct {
	Class       FailureClass
	Description string
	Regex       *regexp.Regexp
}

// Classifier groups error messages by normalized prefix and class.
type Classifier struct {
	patterns []failurePattern
}

func NewClassifier() *Classifier {
	return &Classifier{patterns: defaultFailurePatterns()}
}

// Classify returns the class of a raw error message.
func (c *Classifier) Classify(message string) FailureClass {
	if strings.TrimSpace(message) == "" {
		return ClassUnknown
	}
	for _, p := range c.patterns {
		if p.Regex.MatchString(message) {
			return p.Class
		}
	}
	return ClassUnknown
}

// Describe returns the human description of a class.
func (c *Classifier) Describe(class FailureClass) string {
	for _, p := range c.patterns {
		if p.Class == class {
			return p.Description
		}
	}
	return "Unclassified failure"
}

const maxPrefixLen = 80

var (
	quotedRe     = regexp.MustCompile(`"[^"]*"|'[^']*'|` + "`[^`]*`")
	uuidRe       = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	numberRe     = regexp.MustCompile(`\d+(\.\d+)?`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize reduces an error message to a grouping key: lowercased,
// literals and ids masked, cut at the first sentence and at 80 characters.
func Normalize(message string) string {
	s := strings.ToLower(strings.TrimSpace(message))
	if s == "" {
		return "(no error message)"
	}
	if i := strings.IndexAny(s, "\n\r"); i > 0 {
		s = s[:i]
	}
	s = quotedRe.ReplaceAllString(s, `"?"`)
	s = uuidRe.ReplaceAllString(s, "<id>")
	s = numberRe.ReplaceAllString(s, "<n>")
	s = whitespaceRe.ReplaceAllString(s, " ")
	for _, sep := range []string{". ", "; ", " at "} {
		if i := strings.Index(s, sep); i > 0 {
			s = s[:i]
		}
	}
	s = strings.TrimRight(s, ".:; ")
	if len(s) > maxPrefixLen {
		s = strings.TrimSpace(s[:maxPrefixLen])
	}
	return s
}

func defaultFailurePatterns() []failurePattern {
	return []failurePattern{
		{
			Class:       ClassBrowserCrash,
			Description: "Browser or page crashed",
			Regex:       regexp.MustCompile(`(?i)(target (page|browser).*closed|browser (has )?(crashed|disconnected)|page crashed|protocol error)`),
		},
		{
			Class:       ClassElementNotFound,
			Description: "Element could not be located",
			Regex:       regexp.MustCompile(`(?i)(element.*not (found|visible|attached)|no (such )?element|cannot (find|locate)|failed to locate|locator.*resolved to 0)`),
		},
		{
			Class:       ClassAssertion,
			Description: "Assertion did not hold",
			Regex:       regexp.MustCompile(`(?i)(assert(ion)?|expect(ed)?.*(to (be|equal|contain)|but (got|was))|verification failed)`),
		},
		{
			Class:       ClassNavigation,
			Description: "Page navigation failed",
			Regex:       regexp.MustCompile(`(?i)(net::err_|navigation (failed|timeout)|page\.goto|err_name_not_resolved|404 not found)`),
		},
		{
			Class:       ClassTimeout,
			Description: "Step or page exceeded its time limit",
			Regex:       regexp.MustCompile(`(?i)(time(d)? ?out|exceeded.*(duration|deadline)|deadline exceeded|did not start)`),
		},
		{
			Class:       ClassNetwork,
			Description: "Network or connection failure",
			Regex:       regexp.MustCompile(`(?i)(econnrefused|econnreset|connection (refused|reset|closed)|socket hang up|dns|dispatch to worker failed)`),
		},
		{
			Class:       ClassAIModel,
			Description: "AI model call failed",
			Regex:       regexp.MustCompile(`(?i)(openai|api key|rate limit|model|llm|tokens?|ai (service|response))`),
		},
	}
}
