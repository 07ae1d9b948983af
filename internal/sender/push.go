package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushSender delivers push notifications by POSTing to the push gateway.
// The recipient address is the device token.
type PushSender struct {
	gatewayURL string
	httpClient *http.Client
}

func NewPushSender(gatewayURL string, timeout time.Duration) *PushSender {
	return &PushSender{
		gatewayURL: gatewayURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type pushSendRequest struct {
	Token string `json:"token"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type pushSendResponse struct {
	MessageID string `json:"message_id"`
}

// Send posts the notification to the gateway and expects a 202 Accepted.
// 4xx means the token is dead (permanent); everything else is retryable.
func (s *PushSender) Send(ctx context.Context, msg Message) (*Result, error) {
	if msg.Address == "" {
		return nil, Permanentf("push: empty device token")
	}

	body, err := json.Marshal(pushSendRequest{
		Token: msg.Address,
		Title: msg.Title,
		Body:  msg.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("push: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("push: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push: send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		var sendResp pushSendResponse
		_ = json.NewDecoder(resp.Body).Decode(&sendResp)
		return &Result{ProviderMessageID: sendResp.MessageID}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, Permanentf("push: gateway rejected token: status %d", resp.StatusCode)
	default:
		return nil, fmt.Errorf("push: gateway status %d", resp.StatusCode)
	}
}

var _ Sender = (*PushSender)(nil)
