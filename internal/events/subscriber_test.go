package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/snrraptopack/fatigue/internal/model"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestNATSSubscriber_ReceivesAlertNotifications(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(TopicAlertsAll)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	ev := model.NewEvent("fatigue_alert", model.PriorityCritical, "driver-1", []byte(`{"score":0.9}`))
	stored := &model.StoredAlert{Event: *ev, ReceivedAt: time.Now().UTC()}
	if err := pub.Publish(context.Background(), TopicAlertCreated, AlertCreated{Alert: stored}); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	pub.conn.Flush()

	select {
	case raw := <-ch:
		var got AlertCreated
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshaling notification: %v", err)
		}
		if got.Alert == nil || got.Alert.ID != ev.ID {
			t.Errorf("expected alert %s, got %+v", ev.ID, got.Alert)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestNATSSubscriber_Cancel(t *testing.T) {
	url := startTestNATS(t)

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(TopicAlertsAll)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	cancel()

	// Channel should be closed.
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestNATSSubscriber_ImplementsSubscriber(t *testing.T) {
	var _ Subscriber = (*NATSSubscriber)(nil)
	var _ Publisher = (*NATSPublisher)(nil)
	var _ Publisher = (*NoopPublisher)(nil)
}
