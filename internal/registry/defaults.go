package registry

// DefaultChannels returns the compiled-in channel bindings. Order matters:
// the watcher services channels in this order within one poll pass.
func DefaultChannels() []*ChannelConfig {
	return []*ChannelConfig{
		{
			File:    "main.txt",
			Handler: HandlerAgent,
			Agent:   "agent",
			History: "main-history.json",
		},
		{
			File:         "coding.txt",
			Handler:      HandlerAgent,
			Agent:        "code-agent",
			History:      "coding-history.json",
			ProjectBrief: true,
		},
		{
			File:    "capture.txt",
			Handler: HandlerCapture,
		},
	}
}
