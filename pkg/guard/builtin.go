package guard

// Built-in rule sets. Input rules reject prompt content that tries to
// smuggle control-plane credentials; output rules mask credential-shaped
// substrings in anything the model renders for the user.
var (
	builtinInputRules = []Rule{
		{
			Name:        "sandbox_token_exfil",
			Pattern:     `(?i)\bTSBX_TOKEN\b`,
			Description: "Task input must not reference the injected API token",
		},
		{
			Name:        "inference_key_exfil",
			Pattern:     `(?i)\bTSBX_INFERENCE_API_KEY\b`,
			Description: "Task input must not reference the inference credential",
		},
	}

	builtinOutputRules = []Rule{
		{
			Name:        "bearer_token",
			Pattern:     `(?i)bearer\s+[a-z0-9._\-]{16,}`,
			Replacement: "Bearer [REDACTED]",
			Description: "Authorization bearer values",
		},
		{
			Name:        "jwt",
			Pattern:     `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`,
			Replacement: "[REDACTED_JWT]",
			Description: "JWT-shaped triples",
		},
		{
			Name:        "api_key_assignment",
			Pattern:     `(?i)(api[_-]?key|secret|password|token)(["']?\s*[:=]\s*["']?)[^\s"']{8,}`,
			Replacement: "${1}${2}[REDACTED]",
			Description: "key=value style credential assignments",
		},
	}
)

// DefaultConfig returns a copy of the built-in rule sets. Callers may append
// their own rules before handing the result to NewService.
func DefaultConfig() Config {
	return Config{
		InputRules:  append([]Rule(nil), builtinInputRules...),
		OutputRules: append([]Rule(nil), builtinOutputRules...),
	}
}
