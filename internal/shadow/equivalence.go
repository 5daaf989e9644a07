package shadow

import (
	"encoding/json"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/models"
)

// Equivalent reports whether the rule's answer matches the recorded AI output
// under the comparison appropriate for intent.
func Equivalent(intent models.Intent, rule, recorded string) bool {
	switch intent {
	case models.IntentYesNo:
		a, b := yesNoToken(rule), yesNoToken(recorded)
		return a != "" && a == b
	case models.IntentLabelMatch:
		return strings.EqualFold(trimAnswer(rule), trimAnswer(recorded))
	case models.IntentExtraction:
		a, okA := normalizedObject(rule)
		b, okB := normalizedObject(recorded)
		if okA && okB {
			return mapsEqual(a, b)
		}
		return collapse(rule) == collapse(recorded)
	default:
		return collapse(rule) == collapse(recorded)
	}
}

func trimAnswer(s string) string {
	return strings.Trim(strings.TrimSpace(s), ".!\"'`")
}

// yesNoToken maps the leading word of s to YES or NO, or "" when it is neither.
func yesNoToken(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return ""
	}
	switch strings.Trim(fields[0], ".,!:;\"'`") {
	case "yes", "true", "y":
		return "YES"
	case "no", "false", "n":
		return "NO"
	default:
		return ""
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizedObject decodes a JSON object with lower-cased keys and values
// rendered as collapsed, lower-cased text.
func normalizedObject(s string) (map[string]string, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &raw); err != nil {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		var val string
		switch tv := v.(type) {
		case string:
			val = tv
		default:
			b, _ := json.Marshal(tv)
			val = string(b)
		}
		val = strings.ToLower(collapse(val))
		if val == "" {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = val
	}
	return out, true
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
