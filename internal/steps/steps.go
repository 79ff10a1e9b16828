// Package steps defines the closed set of declarative browser step kinds a test
// case is built from, and the handlers that validate them and render them into
// the instructions sent to the automation worker.
package steps

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies one declarative step action.
type Kind string

const (
	KindNavigate   Kind = "navigate"
	KindClick      Kind = "click"
	KindInput      Kind = "input"
	KindWait       Kind = "wait"
	KindAssert     Kind = "assert"
	KindQuery      Kind = "query"
	KindScroll     Kind = "scroll"
	KindScreenshot Kind = "screenshot"
	KindAIAction   Kind = "ai_action"
)

var allKinds = []Kind{
	KindNavigate, KindClick, KindInput, KindWait, KindAssert,
	KindQuery, KindScroll, KindScreenshot, KindAIAction,
}

// aliases maps legacy and worker-specific action names onto canonical kinds.
var aliases = map[string]Kind{
	"goto":        KindNavigate,
	"open":        KindNavigate,
	"tap":         KindClick,
	"ai_tap":      KindClick,
	"type":        KindInput,
	"ai_input":    KindInput,
	"sleep":       KindWait,
	"ai_wait_for": KindWait,
	"ai_assert":   KindAssert,
	"ai_query":    KindQuery,
	"ai_scroll":   KindScroll,
	"ai":          KindAIAction,
}

// AllKinds returns every canonical kind.
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind resolves a raw action name, accepting aliases.
func ParseKind(raw string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if k, ok := aliases[name]; ok {
		return k, nil
	}
	for _, k := range allKinds {
		if string(k) == name {
			return k, nil
		}
	}
	return Kind(name), fmt.Errorf("unknown step action %q", raw)
}

// Normalize returns the canonical name for raw, or raw itself when unknown.
func Normalize(raw string) string {
	k, err := ParseKind(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return string(k)
}

// UnmarshalJSON resolves aliases on decode. Unknown names are kept verbatim so
// validation can report them with their step index.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("step action must be a string: %w", err)
	}
	parsed, _ := ParseKind(s)
	*k = parsed
	return nil
}

// UnmarshalYAML resolves aliases the same way for file-based test cases.
func (k *Kind) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, _ := ParseKind(s)
	*k = parsed
	return nil
}

// Step is one declarative step of a test case.
type Step struct {
	Action      Kind           `json:"action" yaml:"action"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Skip        bool           `json:"skip,omitempty" yaml:"skip,omitempty"`
}

// Planned is a validated step ready to send to the worker.
type Planned struct {
	Index       int            `json:"index"`
	Action      Kind           `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	Description string         `json:"description,omitempty"`
	Instruction string         `json:"instruction"`
	Skip        bool           `json:"skip,omitempty"`
}

// Sorted returns kinds in lexical order.
func Sorted(kinds []Kind) []Kind {
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
