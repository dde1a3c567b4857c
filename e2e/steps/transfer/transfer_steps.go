package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body interface{}) error
	GET(path string, headers map[string]string) error
	GetResponseField(field string) (interface{}, error)
	LastStatus() int
	GetSessionID() string
	SetSessionID(id string)
}

// RegisterSteps registers transfer-related step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &transferSteps{tc: tc}

	ctx.Step(`^I initiate a transfer of (\d+) units of "([^"]*)"$`, steps.initiateTransfer)
	ctx.Step(`^I initiate a transfer with no asset id$`, steps.initiateTransferNoAsset)
	ctx.Step(`^I initiate a transfer of (\d+) units of "([^"]*)" expiring in the past$`, steps.initiateTransferPastDeadline)
	ctx.Step(`^I query the transfer status$`, steps.queryTransferStatus)
	ctx.Step(`^I query the status of session "([^"]*)"$`, steps.queryStatusOfSession)
	ctx.Step(`^I send a protocol message with no session id$`, steps.sendMessageWithoutSession)

	ctx.Step(`^the transfer phase should become "([^"]*)" within (\d+) seconds$`, steps.phaseShouldBecomeWithin)
	ctx.Step(`^the transfer outcome should be "([^"]*)"$`, steps.outcomeShouldBe)
	ctx.Step(`^the evidence log should contain (\d+) entries$`, steps.evidenceLogShouldContain)
}

type transferSteps struct {
	tc TestContext
}

func (s *transferSteps) initiateRequest(quantity int, assetID string, expiresAt time.Time) error {
	if err := s.tc.POST("/api/v1/transfers", map[string]interface{}{
		"assetID":              assetID,
		"quantity":             quantity,
		"sourceLedgerRef":      "ledger-a/accounts/alice",
		"destinationLedgerRef": "ledger-b/accounts/bob",
		"expiresAt":            expiresAt.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if s.tc.LastStatus() != 202 {
		return nil
	}
	id, err := s.tc.GetResponseField("sessionID")
	if err != nil {
		return err
	}
	value, ok := id.(string)
	if !ok || value == "" {
		return fmt.Errorf("sessionID missing from initiation response")
	}
	s.tc.SetSessionID(value)
	return nil
}

func (s *transferSteps) initiateTransfer(ctx context.Context, quantity int, assetID string) error {
	return s.initiateRequest(quantity, assetID, time.Now().Add(time.Hour))
}

func (s *transferSteps) initiateTransferNoAsset(ctx context.Context) error {
	return s.tc.POST("/api/v1/transfers", map[string]interface{}{
		"quantity":             1,
		"sourceLedgerRef":      "ledger-a/accounts/alice",
		"destinationLedgerRef": "ledger-b/accounts/bob",
		"expiresAt":            time.Now().Add(time.Hour).Format(time.RFC3339),
	})
}

func (s *transferSteps) initiateTransferPastDeadline(ctx context.Context, quantity int, assetID string) error {
	return s.initiateRequest(quantity, assetID, time.Now().Add(-time.Hour))
}

func (s *transferSteps) queryTransferStatus(ctx context.Context) error {
	if s.tc.GetSessionID() == "" {
		return fmt.Errorf("no session id captured by a previous step")
	}
	return s.tc.GET("/api/v1/transfers/"+s.tc.GetSessionID(), nil)
}

func (s *transferSteps) queryStatusOfSession(ctx context.Context, sessionID string) error {
	return s.tc.GET("/api/v1/transfers/"+sessionID, nil)
}

func (s *transferSteps) sendMessageWithoutSession(ctx context.Context) error {
	return s.tc.POST("/api/v1/messages", map[string]interface{}{
		"messageType": "ProposeTransfer",
	})
}

func (s *transferSteps) phaseShouldBecomeWithin(ctx context.Context, phase string, seconds int) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	var lastSeen string
	for {
		if err := s.queryTransferStatus(ctx); err != nil {
			return err
		}
		if s.tc.LastStatus() == 200 {
			value, err := s.tc.GetResponseField("phase")
			if err != nil {
				return err
			}
			lastSeen = fmt.Sprintf("%v", value)
			if lastSeen == phase {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("phase did not reach %q within %ds, last seen %q", phase, seconds, lastSeen)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (s *transferSteps) outcomeShouldBe(ctx context.Context, outcome string) error {
	value, err := s.tc.GetResponseField("outcome")
	if err != nil {
		return err
	}
	actual := fmt.Sprintf("%v", value)
	if actual != outcome {
		return fmt.Errorf("expected outcome %q, got %q", outcome, actual)
	}
	return nil
}

func (s *transferSteps) evidenceLogShouldContain(ctx context.Context, count int) error {
	value, err := s.tc.GetResponseField("evidenceLog")
	if err != nil {
		return err
	}
	entries, ok := value.([]interface{})
	if !ok {
		raw, _ := json.Marshal(value)
		return fmt.Errorf("evidenceLog is not an array: %s", raw)
	}
	if len(entries) != count {
		return fmt.Errorf("expected %d evidence entries, got %d", count, len(entries))
	}
	return nil
}
