package e2e

import (
	"context"
	"os"
	"testing"

	"github.com/cucumber/godog"
)

// envOr reads an environment variable with a fallback.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// TestFeatures runs the feature suite against a live gateway pair. The
// gateways are expected to be started out of band (docker compose or two
// local processes pointed at each other); the suite is skipped when no
// gateway URL is configured.
func TestFeatures(t *testing.T) {
	baseURL := os.Getenv("CROSSLOCK_E2E_GATEWAY_URL")
	if baseURL == "" {
		t.Skip("CROSSLOCK_E2E_GATEWAY_URL not set, skipping end to end suite")
	}

	tc := NewTestContext(
		baseURL,
		envOr("CROSSLOCK_E2E_CLIENT_ID", "crosslock-dev"),
		envOr("CROSSLOCK_E2E_CLIENT_SECRET", "dev-secret"),
	)

	suite := godog.TestSuite{
		Name: "crosslock",
		ScenarioInitializer: func(ctx *godog.ScenarioContext) {
			ctx.Before(func(c context.Context, _ *godog.Scenario) (context.Context, error) {
				tc.Reset()
				return c, nil
			})
			RegisterSteps(ctx, tc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("end to end feature suite failed")
	}
}
