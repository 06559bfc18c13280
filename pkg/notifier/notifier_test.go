package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/trusch/timelock/pkg/config"
	"github.com/trusch/timelock/pkg/leader"
	"github.com/trusch/timelock/pkg/queue"
)

func webhookServer(t *testing.T) (*httptest.Server, chan Notification) {
	t.Helper()
	received := make(chan Notification, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("undecodable webhook body: %v", err)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("missing configured header, got %v", r.Header)
		}
		received <- n
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func webhookConfig(url string) []config.NotificationConfig {
	return []config.NotificationConfig{{
		Type: config.NotificationTypeWebhook,
		Config: map[string]interface{}{
			"url":     url,
			"headers": map[string]interface{}{"X-Token": []string{"secret"}},
		},
	}}
}

func await(t *testing.T, received chan Notification) Notification {
	t.Helper()
	select {
	case n := <-received:
		return n
	case <-time.After(10 * time.Second):
		t.Fatal("no notification arrived")
	}
	return Notification{}
}

func TestDirectWebhook(t *testing.T) {
	srv, received := webhookServer(t)
	n, err := NewNotifier(context.Background(), "node-a", webhookConfig(srv.URL), nil)
	if err != nil {
		t.Fatal(err)
	}
	err = n.Notify(context.Background(), Notification{Kind: KindLeadershipGained, Sequence: 3})
	if err != nil {
		t.Fatal(err)
	}
	got := await(t, received)
	if got.Kind != KindLeadershipGained || got.Node != "node-a" || got.Sequence != 3 {
		t.Errorf("received %+v", got)
	}
}

func TestQueuedLeadershipEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, received := webhookServer(t)
	n, err := NewNotifier(ctx, "node-a", webhookConfig(srv.URL), queue.NewMemoryQueue(8))
	if err != nil {
		t.Fatal(err)
	}

	n.HandleLeadership(leader.Event{Kind: leader.Lost, Leader: "node-b", Sequence: 9})
	got := await(t, received)
	if got.Kind != KindLeadershipLost || got.Leader != "node-b" || got.Sequence != 9 {
		t.Errorf("received %+v", got)
	}
}

func TestUnknownNotificationType(t *testing.T) {
	_, err := NewNotifier(context.Background(), "a", []config.NotificationConfig{{Type: "pager"}}, nil)
	if err == nil {
		t.Error("accepted an unknown notification type")
	}
}

func TestWebhookNeedsURL(t *testing.T) {
	cfgs := []config.NotificationConfig{{Type: config.NotificationTypeWebhook}}
	if _, err := NewNotifier(context.Background(), "a", cfgs, nil); err == nil {
		t.Error("accepted a webhook without url")
	}
}
