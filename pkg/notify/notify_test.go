package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/events"
)

func TestTelegramClientSendMessage(t *testing.T) {
	var gotPath string
	var gotBody sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(apiResponse{OK: true})
	}))
	defer srv.Close()

	c := NewTelegramClient("12345:secret")
	c.baseURL = srv.URL

	require.NoError(t, c.SendMessage(context.Background(), 42, "your booking bot is ready"))
	assert.Equal(t, "/bot12345:secret/sendMessage", gotPath)
	assert.Equal(t, int64(42), gotBody.ChatID)
	assert.Equal(t, "your booking bot is ready", gotBody.Text)
}

func TestTelegramClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apiResponse{OK: false, Description: "chat not found"})
	}))
	defer srv.Close()

	c := NewTelegramClient("12345:secret")
	c.baseURL = srv.URL

	err := c.SendMessage(context.Background(), 42, "hello")
	assert.ErrorContains(t, err, "chat not found")
}

type fakeSender struct {
	mu       sync.Mutex
	failures int
	sent     []string
	chats    []int64
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return assert.AnError
	}
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, chatID)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.sent...)
}

func TestDispatcherForwardsOwnerFacingEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sender := &fakeSender{}
	d := NewDispatcher(sender, broker)
	d.Start(context.Background())
	defer d.Stop()

	broker.Publish(&events.Event{
		Type:           events.EventJobCompleted,
		OwnerContactID: 42,
		Message:        "your booking bot is ready",
	})
	// Internal events and ownerless events are not forwarded.
	broker.Publish(&events.Event{Type: events.EventPoolScaled, Message: "scaled"})
	broker.Publish(&events.Event{Type: events.EventJobFailed, Message: "no owner"})

	assert.Eventually(t, func() bool {
		return len(sender.messages()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"your booking bot is ready"}, sender.messages())
}

func TestDispatcherRetriesOnce(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sender := &fakeSender{failures: 1}
	d := NewDispatcher(sender, broker)
	d.retryDelay = 10 * time.Millisecond
	d.Start(context.Background())
	defer d.Stop()

	broker.Publish(&events.Event{
		Type:           events.EventTenantExpiring,
		OwnerContactID: 42,
		Message:        "your subscription expires in 24h",
	})

	assert.Eventually(t, func() bool {
		return len(sender.messages()) == 1
	}, 2*time.Second, 20*time.Millisecond)
}
