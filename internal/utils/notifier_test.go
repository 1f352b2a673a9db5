package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationClient_SendMessageNotification(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notifications/send", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewNotificationClient(srv.URL)
	require.NoError(t, client.SendMessageNotification(context.Background(), "user-1", "hello"))
	assert.Equal(t, "user-1", got["user_id"])
	assert.Equal(t, "support_message", got["type"])
	assert.Equal(t, map[string]interface{}{"text": "hello"}, got["data"])
}

func TestNotificationClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewNotificationClient(srv.URL).SendMessageNotification(context.Background(), "user-1", "hello")
	assert.ErrorContains(t, err, "502")
}
