package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

func TestKindOf(t *testing.T) {
	tests := map[string]string{
		"club.checkin.created":      "checkin",
		"club.campaign.abc.status":  "campaign",
		"club.terminal.abc.sync":    "terminal",
		"application.x.device.y.rx": "",
	}
	for subject, want := range tests {
		if got := kindOf(subject); got != want {
			t.Errorf("kindOf(%q) = %q, want %q", subject, got, want)
		}
	}
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		pattern, kind, want string
	}{
		{"fitdesk/events", "checkin", "fitdesk/events/checkin"},
		{"fitdesk/events/", "campaign", "fitdesk/events/campaign"},
		{"club/{kind}/out", "terminal", "club/terminal/out"},
	}
	for _, tt := range tests {
		if got := topicFor(tt.pattern, tt.kind); got != tt.want {
			t.Errorf("topicFor(%q, %q) = %q, want %q", tt.pattern, tt.kind, got, tt.want)
		}
	}
}

func TestHandleEventForwardsToWebhook(t *testing.T) {
	received := make(chan envelope, 1)
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Api-Key")
		var env envelope
		json.NewDecoder(r.Body).Decode(&env)
		received <- env
	}))
	defer srv.Close()

	s := NewForwarderService(nil, nil, &HTTPConfig{Endpoint: srv.URL, Headers: map[string]string{"X-Api-Key": "secret"}}, nil)
	s.handleEvent("club.checkin.created", []byte(`{"clientName":"Sara"}`))
	s.wg.Wait()

	env := <-received
	if env.Type != "checkin" || env.Subject != "club.checkin.created" || string(env.Data) != `{"clientName":"Sara"}` {
		t.Errorf("envelope = %+v", env)
	}
	if header != "secret" {
		t.Errorf("X-Api-Key = %q", header)
	}
}

func TestForwardFailureIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	s := NewForwarderService(nil, store, &HTTPConfig{Endpoint: srv.URL}, nil)

	if err := s.forwardToHTTP("checkin", []byte(`{}`)); err == nil {
		t.Fatal("expected error for 502")
	}

	typ := models.EventTypeIntegration
	logs, _, _ := store.ListEventLogs(context.Background(), storage.EventLogFilters{Type: &typ}, 10, 0)
	if len(logs) != 1 || logs[0].Code != "HTTP_FORWARD_FAILED" {
		t.Errorf("event logs = %+v", logs)
	}
}
