package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChatSender delivers chat notifications through the Telegram Bot API.
// The recipient address is the chat id as a decimal string.
type ChatSender struct {
	apiBase    string
	token      string
	httpClient *http.Client
}

func NewChatSender(apiBase, token string, timeout time.Duration) *ChatSender {
	return &ChatSender{
		apiBase: apiBase,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatSendRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type chatSendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send posts the message to the Bot API. The HTML body takes precedence over
// the plain body, sent with HTML parse mode.
func (s *ChatSender) Send(ctx context.Context, msg Message) (*Result, error) {
	if msg.Address == "" {
		return nil, Permanentf("chat: empty chat id")
	}

	req := chatSendRequest{ChatID: msg.Address, Text: msg.Body}
	if msg.HTMLBody != "" {
		req.Text = msg.HTMLBody
		req.ParseMode = "HTML"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chat: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var apiResp chatSendResponse
	_ = json.Unmarshal(raw, &apiResp)

	switch {
	case resp.StatusCode == http.StatusOK && apiResp.OK:
		return &Result{ProviderMessageID: fmt.Sprintf("%d", apiResp.Result.MessageID)}, nil
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusForbidden:
		// Bad chat id, or the user blocked the bot. Retrying cannot help.
		return nil, Permanentf("chat: rejected: %s", apiResp.Description)
	default:
		return nil, fmt.Errorf("chat: api status %d: %s", resp.StatusCode, apiResp.Description)
	}
}

var _ Sender = (*ChatSender)(nil)
