package agentclient

import (
	"context"
	"fmt"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ValidateCredentials performs a fast-fail check of the configured
// upstream credentials at startup, before any session is created. A
// rejected credential here is a fatal, StorageBroken-class condition
// for the process — not a per-session concern.
func ValidateCredentials(ctx context.Context, apiKey, authToken, baseURL string) error {
	opts := []option.RequestOption{}
	switch {
	case apiKey != "":
		opts = append(opts, option.WithAPIKey(apiKey))
	case authToken != "":
		opts = append(opts, option.WithAuthToken(authToken))
	default:
		return fmt.Errorf("no upstream credential configured (api key or auth token)")
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := anthropic.NewClient(opts...)

	preflightCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := client.Models.List(preflightCtx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("validate upstream credentials: %w", err)
	}
	return nil
}
