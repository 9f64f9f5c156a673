package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/config"
	"appforge/pkg/interfaces"
)

func TestMailerClient_Send(t *testing.T) {
	var gotPath, gotAuth, gotKey string
	var gotBody interfaces.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := NewMailerClient(config.NotificationConfig{Enabled: true, URL: srv.URL + "/", Token: "tkn", Timeout: 2})
	n := &interfaces.Notification{RequestID: "42", UserID: "u1", Phase: "completed"}

	require.NoError(t, m.SendCompletion(context.Background(), n))
	assert.Equal(t, "/completion", gotPath)
	assert.Equal(t, "Bearer tkn", gotAuth)
	assert.Equal(t, "notify-42", gotKey)
	assert.Equal(t, *n, gotBody)

	require.NoError(t, m.SendFailure(context.Background(), n))
	assert.Equal(t, "/failure", gotPath)
}

func TestMailerClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewMailerClient(config.NotificationConfig{Enabled: true, URL: srv.URL})
	err := m.SendFailure(context.Background(), &interfaces.Notification{RequestID: "1"})
	assert.ErrorContains(t, err, "502")
}

func TestMailerClient_Disabled(t *testing.T) {
	m := NewMailerClient(config.NotificationConfig{Enabled: false, URL: "http://unused"})
	assert.NoError(t, m.SendCompletion(context.Background(), &interfaces.Notification{RequestID: "1"}))
}
