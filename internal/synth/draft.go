package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/internal/ai"
	"github.com/CosmoTheDev/ctrlprune/internal/rules"
	"github.com/CosmoTheDev/ctrlprune/models"
)

const draftSystem = `You turn prompts sent to a language model into deterministic rule specifications.
Reply with exactly one JSON object and nothing else.`

// draftPrompt asks the provider to refine the registry-derived spec for one
// call site. The intent is fixed; only the tables may change.
func draftPrompt(c *models.Candidate, base rules.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call site: %s lines %d-%d (%s, provider %s)\n", c.File, c.LineStart, c.LineEnd, c.Language, c.Provider)
	fmt.Fprintf(&b, "Intent: %s\n\n", c.InferredIntent)
	if c.Prompt != "" {
		fmt.Fprintf(&b, "Prompt text:\n%s\n\n", c.Prompt)
	}
	fmt.Fprintf(&b, "Code:\n%s\n\n", c.CallSnippet)
	fmt.Fprintf(&b, "Starting spec:\n%s\n\n", base.Marshal())
	b.WriteString(`Return a spec with the same "intent" and these keys:
- "labels": the closed set of answers (label matching only)
- "synonyms": object mapping input words to one of the labels
- "positive" / "negative": keywords voting YES or NO (yes/no only)
- "fields": [{"name": ..., "pattern": RE2 regex whose first group is the value}] (extraction only)
- "min_ratio": fuzzy match threshold between 0 and 1
Keep only entries that follow from the prompt and code.`)
	return b.String()
}

// errProviderFailed marks draft errors where the provider gave no reply, as
// opposed to a reply that did not validate.
var errProviderFailed = errors.New("provider call failed")

// draft asks p for a spec and validates it against base.
func draft(ctx context.Context, p ai.Provider, c *models.Candidate, base rules.Spec) (rules.Spec, *ai.Response, error) {
	resp, err := p.Invoke(ctx, ai.Request{
		System:    draftSystem,
		Prompt:    draftPrompt(c, base),
		MaxTokens: 1024,
		JSON:      true,
	})
	if err != nil {
		return rules.Spec{}, nil, fmt.Errorf("%w: %w", errProviderFailed, err)
	}
	spec, err := rules.ParseSpec(cleanJSON(resp.Text))
	if err != nil {
		return rules.Spec{}, resp, err
	}
	if spec.Intent != base.Intent {
		return rules.Spec{}, resp, fmt.Errorf("drafted intent %s does not match %s", spec.Intent, base.Intent)
	}
	return spec, resp, nil
}

// cleanJSON strips markdown fences and prose around the first JSON object of
// a model reply, normalising CRLF to LF.
func cleanJSON(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(s, "\n")

	start := -1
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			start = i
			break
		}
	}
	if start >= 0 {
		end := len(lines)
		for i := len(lines) - 1; i > start; i-- {
			if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
				end = i
				break
			}
		}
		s = strings.Join(lines[start+1:end], "\n")
	}

	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}
	return strings.TrimSpace(s)
}
