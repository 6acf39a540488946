package plugins

// Hook points a plugin manifest may declare, matched against the
// Session Manager's call sites around the Agent Client.
const (
	HookPrePrompt    = "pre_prompt"
	HookPostResponse = "post_response"
)
