package main

// Import AI connector adapters to trigger their init() registration.
import (
	_ "github.com/Strob0t/agentdesk/internal/adapter/litellm"
	_ "github.com/Strob0t/agentdesk/internal/adapter/openai"
	_ "github.com/Strob0t/agentdesk/internal/adapter/scripted"
)
