package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/printloft/api/internal/services"
)

func TestPubSubEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)
	msg := services.OrderEventMessage{
		EventID:       "evt_test",
		Type:          "order.paid",
		OrderID:       "order-1",
		OrderNumber:   "PL-2026-000042",
		TransactionID: "txn_abc",
		OccurredAt:    occurredAt,
	}

	if _, err := publisher.PublishOrderEvent(ctx, msg); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.EventID != msg.EventID || payload.OrderID != msg.OrderID {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["eventType"]; attr != "order.paid" {
		t.Fatalf("expected eventType attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["transactionId"]; attr != "txn_abc" {
		t.Fatalf("expected transactionId attribute, got %q", attr)
	}
}
