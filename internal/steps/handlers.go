package steps

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type navigateHandler struct{}

func (navigateHandler) Kind() Kind { return KindNavigate }

func (navigateHandler) Validate(s Step) error {
	raw, ok := stringParam(s.Params, "url")
	if !ok {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url %q must be absolute", raw)
	}
	return nil
}

func (navigateHandler) Instruction(s Step) string {
	u, _ := stringParam(s.Params, "url")
	return "navigate to " + u
}

type clickHandler struct{}

func (clickHandler) Kind() Kind { return KindClick }

func (clickHandler) Validate(s Step) error {
	if _, ok := locate(s); !ok {
		return errors.New("locate is required")
	}
	return nil
}

func (clickHandler) Instruction(s Step) string {
	target, _ := locate(s)
	return "click " + target
}

type inputHandler struct{}

func (inputHandler) Kind() Kind { return KindInput }

func (inputHandler) Validate(s Step) error {
	if _, ok := locate(s); !ok {
		return errors.New("locate is required")
	}
	// empty text is legal: it clears the field
	if _, ok := s.Params["text"]; !ok {
		if _, ok := s.Params["value"]; !ok {
			return errors.New("text is required")
		}
	}
	return nil
}

func (inputHandler) Instruction(s Step) string {
	target, _ := locate(s)
	text, ok := stringParam(s.Params, "text")
	if !ok {
		text, _ = stringParam(s.Params, "value")
	}
	return fmt.Sprintf("type %q into %s", text, target)
}

type waitHandler struct{}

func (waitHandler) Kind() Kind { return KindWait }

func (waitHandler) Validate(s Step) error {
	if cond, ok := stringParam(s.Params, "condition"); ok && cond != "" {
		return nil
	}
	ms, ok := numberParam(s.Params, "time")
	if !ok {
		return errors.New("time (ms) or condition is required")
	}
	if ms <= 0 {
		return fmt.Errorf("time must be positive, got %v", ms)
	}
	return nil
}

func (waitHandler) Instruction(s Step) string {
	if cond, ok := stringParam(s.Params, "condition"); ok && cond != "" {
		return "wait for " + cond
	}
	ms, _ := numberParam(s.Params, "time")
	return fmt.Sprintf("wait %dms", int64(ms))
}

type assertHandler struct{}

func (assertHandler) Kind() Kind { return KindAssert }

func (assertHandler) Validate(s Step) error {
	if _, ok := condition(s); !ok {
		return errors.New("condition is required")
	}
	return nil
}

func (assertHandler) Instruction(s Step) string {
	cond, _ := condition(s)
	return "assert " + cond
}

type queryHandler struct{}

func (queryHandler) Kind() Kind { return KindQuery }

func (queryHandler) Validate(s Step) error {
	if q, ok := stringParam(s.Params, "query"); !ok || q == "" {
		return errors.New("query is required")
	}
	return nil
}

func (queryHandler) Instruction(s Step) string {
	q, _ := stringParam(s.Params, "query")
	return "extract " + q
}

var scrollDirections = map[string]bool{"up": true, "down": true, "left": true, "right": true}

type scrollHandler struct{}

func (scrollHandler) Kind() Kind { return KindScroll }

func (scrollHandler) Validate(s Step) error {
	dir, ok := stringParam(s.Params, "direction")
	if ok && !scrollDirections[strings.ToLower(dir)] {
		return fmt.Errorf("direction must be up, down, left or right, got %q", dir)
	}
	return nil
}

func (scrollHandler) Instruction(s Step) string {
	dir, ok := stringParam(s.Params, "direction")
	if !ok {
		dir = "down"
	}
	if target, ok := locate(s); ok {
		return fmt.Sprintf("scroll %s within %s", strings.ToLower(dir), target)
	}
	return "scroll " + strings.ToLower(dir)
}

type screenshotHandler struct{}

func (screenshotHandler) Kind() Kind { return KindScreenshot }

func (screenshotHandler) Validate(Step) error { return nil }

func (screenshotHandler) Instruction(s Step) string {
	if name, ok := stringParam(s.Params, "name"); ok {
		return "take screenshot " + name
	}
	return "take screenshot"
}

type aiActionHandler struct{}

func (aiActionHandler) Kind() Kind { return KindAIAction }

func (aiActionHandler) Validate(s Step) error {
	if _, ok := instruction(s); !ok {
		return errors.New("instruction or description is required")
	}
	return nil
}

func (aiActionHandler) Instruction(s Step) string {
	text, _ := instruction(s)
	return text
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func numberParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// locate reads the element locator; older test cases used "selector".
func locate(s Step) (string, bool) {
	for _, key := range []string{"locate", "selector"} {
		if v, ok := stringParam(s.Params, key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func condition(s Step) (string, bool) {
	if v, ok := stringParam(s.Params, "condition"); ok && v != "" {
		return v, true
	}
	if d := strings.TrimSpace(s.Description); d != "" {
		return d, true
	}
	return "", false
}

func instruction(s Step) (string, bool) {
	if v, ok := stringParam(s.Params, "instruction"); ok && v != "" {
		return v, true
	}
	if d := strings.TrimSpace(s.Description); d != "" {
		return d, true
	}
	return "", false
}
