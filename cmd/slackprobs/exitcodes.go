package main

// Exit codes.
const (
	ExitSuccess     = 0 // Success
	ExitError       = 1 // General error (invalid arguments, unreadable input, interrupted)
	ExitConfigError = 2 // Missing token, channel or API key
	ExitSlackError  = 3 // Slack history fetch failed
	ExitOutputError = 4 // Could not create or write the output file
)
