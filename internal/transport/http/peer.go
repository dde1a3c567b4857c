package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"crosslock/internal/transfer/models"
)

// PeerSender delivers protocol messages to the counterparty gateway's
// message endpoint. It satisfies ports.Transport; the core treats any
// delivery failure as a timeout and retries with backoff.
type PeerSender struct {
	baseURL string
	client  *http.Client
}

func NewPeerSender(baseURL string) *PeerSender {
	return &PeerSender{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *PeerSender) Send(ctx context.Context, msg models.ProtocolMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode protocol message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build peer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to peer: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("peer rejected %s with status %d", msg.Type, resp.StatusCode)
	}
	return nil
}
