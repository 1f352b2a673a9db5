package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NotificationClient posts support alerts to the notification service.
type NotificationClient struct {
	URL    string
	client *http.Client
}

func NewNotificationClient(url string) *NotificationClient {
	return &NotificationClient{URL: url, client: &http.Client{Timeout: 5 * time.Second}}
}

func (n *NotificationClient) SendMessageNotification(ctx context.Context, toUserID, messageText string) error {
	payload := map[string]interface{}{
		"user_id": toUserID,
		"type":    "support_message",
		"title":   "New message from support",
		"data": map[string]string{
			"text": messageText,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL+"/api/notifications/send", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}
	return nil
}
