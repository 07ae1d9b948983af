// Package directory resolves user ids to per-channel contact addresses via
// the platform's user service. Events carry user ids, not addresses; the
// mapper asks this client where a notification can actually go.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tutorhub/notification-engine/internal/domain"
)

// Contact is one reachable address for a user.
type Contact struct {
	Channel domain.Channel
	Address string
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type contactsResponse struct {
	TelegramID string `json:"telegram_id"`
	Email      string `json:"email"`
	PushToken  string `json:"push_token"`
	Phone      string `json:"phone"`
}

// Contacts returns every address on file for the user, one per channel the
// user is reachable on. An empty slice is a valid answer, not an error.
func (c *Client) Contacts(ctx context.Context, userID int64) ([]Contact, error) {
	url := fmt.Sprintf("%s/api/v1/users/%d/contacts", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build contacts request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch contacts for user %d: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user service returned %d for user %d", resp.StatusCode, userID)
	}

	var body contactsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode contacts for user %d: %w", userID, err)
	}

	var contacts []Contact
	if body.TelegramID != "" {
		contacts = append(contacts, Contact{Channel: domain.ChannelChat, Address: body.TelegramID})
	}
	if body.Email != "" {
		contacts = append(contacts, Contact{Channel: domain.ChannelEmail, Address: body.Email})
	}
	if body.PushToken != "" {
		contacts = append(contacts, Contact{Channel: domain.ChannelPush, Address: body.PushToken})
	}
	if body.Phone != "" {
		contacts = append(contacts, Contact{Channel: domain.ChannelSMS, Address: body.Phone})
	}
	return contacts, nil
}
