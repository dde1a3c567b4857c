package e2e

import (
	"github.com/cucumber/godog"

	"crosslock/e2e/steps/common"
	"crosslock/e2e/steps/transfer"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Register common steps (authentication, generic assertions)
	common.RegisterSteps(ctx, tc)

	// Register transfer-specific steps
	transfer.RegisterSteps(ctx, tc)
}
