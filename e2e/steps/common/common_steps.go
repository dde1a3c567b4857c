package common

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body interface{}) error
	GET(path string, headers map[string]string) error
	GetResponseField(field string) (interface{}, error)
	ResponseContains(field string) bool
	LastStatus() int
	GetAccessToken() string
	SetAccessToken(token string)
	Credentials() (clientID, clientSecret string)
}

// RegisterSteps registers shared authentication and assertion steps
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^I hold a valid access token$`, steps.holdValidAccessToken)
	ctx.Step(`^I request a token with client "([^"]*)" and secret "([^"]*)"$`, steps.requestTokenWith)
	ctx.Step(`^I clear my access token$`, steps.clearAccessToken)

	ctx.Step(`^the response status should be (\d+)$`, steps.responseStatusShouldBe)
	ctx.Step(`^the response should contain "([^"]*)"$`, steps.responseShouldContain)
	ctx.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, steps.responseFieldShouldBe)
}

type commonSteps struct {
	tc TestContext
}

func (s *commonSteps) holdValidAccessToken(ctx context.Context) error {
	clientID, clientSecret := s.tc.Credentials()
	if err := s.tc.POST("/api/v1/token", map[string]interface{}{
		"client_id":     clientID,
		"client_secret": clientSecret,
	}); err != nil {
		return err
	}
	if s.tc.LastStatus() != 200 {
		return fmt.Errorf("token endpoint returned %d", s.tc.LastStatus())
	}
	token, err := s.tc.GetResponseField("access_token")
	if err != nil {
		return err
	}
	value, ok := token.(string)
	if !ok || value == "" {
		return fmt.Errorf("access_token missing from token response")
	}
	s.tc.SetAccessToken(value)
	return nil
}

func (s *commonSteps) requestTokenWith(ctx context.Context, clientID, secret string) error {
	return s.tc.POST("/api/v1/token", map[string]interface{}{
		"client_id":     clientID,
		"client_secret": secret,
	})
}

func (s *commonSteps) clearAccessToken(ctx context.Context) error {
	s.tc.SetAccessToken("")
	return nil
}

func (s *commonSteps) responseStatusShouldBe(ctx context.Context, status int) error {
	if s.tc.LastStatus() != status {
		return fmt.Errorf("expected status %d, got %d", status, s.tc.LastStatus())
	}
	return nil
}

func (s *commonSteps) responseShouldContain(ctx context.Context, field string) error {
	if !s.tc.ResponseContains(field) {
		return fmt.Errorf("response does not contain field %q", field)
	}
	return nil
}

func (s *commonSteps) responseFieldShouldBe(ctx context.Context, field, expected string) error {
	value, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	actual := fmt.Sprintf("%v", value)
	if actual != expected {
		return fmt.Errorf("expected %s=%q, got %q", field, expected, actual)
	}
	return nil
}
