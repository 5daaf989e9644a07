package detect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
)

// Provider tags.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderGeneric   = "generic_llm"
	ProviderUnknown   = "unknown"
)

// calleePattern maps a normalized callee (e.g. "client.chat.completions.create")
// to a provider.
type calleePattern struct {
	provider string
	re       *regexp.Regexp
}

// Built-in SDK method shapes. Each requires the provider-specific receiver
// chain so unrelated x.create() calls do not match.
var builtinPatterns = []config.CalleePattern{
	{Provider: ProviderOpenAI, Regex: `(^|\.)chat\.completions\.(create|parse)$`},
	{Provider: ProviderOpenAI, Regex: `(^|\.)responses\.create$`},
	{Provider: ProviderOpenAI, Regex: `(^|\.)ChatCompletion\.create$`},
	{Provider: ProviderOpenAI, Regex: `(^|\.)Chat\.Completions\.New$`},
	{Provider: ProviderOpenAI, Regex: `(^|\.)Responses\.New$`},
	{Provider: ProviderOpenAI, Regex: `(^|\.)CreateChatCompletion$`},
	{Provider: ProviderAnthropic, Regex: `(^|\.)messages\.create$`},
	{Provider: ProviderAnthropic, Regex: `(^|\.)Messages\.New$`},
	{Provider: ProviderGemini, Regex: `(^|\.)generate_content$`},
	{Provider: ProviderGemini, Regex: `(^|\.)generateContent$`},
	{Provider: ProviderGemini, Regex: `(^|\.)GenerateContent$`},
	{Provider: ProviderGeneric, Regex: `(?i)(^|\.)(llm|model|ai)\.(generate|complete|invoke)$`},
}

// Calls that share a shape with an LLM call but are not inference requests.
var ignoredCallee = regexp.MustCompile(`(^|\.)threads\.messages\.create$`)

func compilePatterns(extra []config.CalleePattern) ([]calleePattern, error) {
	all := append(append([]config.CalleePattern{}, extra...), builtinPatterns...)
	out := make([]calleePattern, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("detector pattern %q: %w", p.Regex, err)
		}
		provider := strings.TrimSpace(p.Provider)
		if provider == "" {
			provider = ProviderUnknown
		}
		out = append(out, calleePattern{provider: provider, re: re})
	}
	return out, nil
}

// normalizeCallee strips whitespace and optional chaining so multi-line
// member chains compare equal to their one-line form.
func normalizeCallee(s string) string {
	s = strings.Join(strings.Fields(s), "")
	return strings.ReplaceAll(s, "?.", ".")
}
