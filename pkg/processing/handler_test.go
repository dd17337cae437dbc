package processing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"

	"github.com/costguard/ledger/pkg/ingest"
)

type stubSubmitter struct {
	called int
	err    error
	sub    ingest.Submission
}

func (s *stubSubmitter) Submit(ctx context.Context, sub ingest.Submission) (ingest.Receipt, error) {
	s.called++
	s.sub = sub
	if s.err != nil {
		return ingest.Receipt{}, s.err
	}
	if err := sub.Validate(); err != nil {
		return ingest.Receipt{}, err
	}
	return ingest.Receipt{Success: true, Repo: sub.Repo(), ScanID: "0000000000001"}, nil
}

type stubDLQ struct {
	called  int
	reasons []string
	data    [][]byte
	err     error
}

func (s *stubDLQ) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	s.called++
	s.reasons = append(s.reasons, reason)
	s.data = append(s.data, msg.Data)
	return s.err
}

func submissionJSON(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	payload := map[string]any{
		"repo_full_name": "acme/api",
		"timestamp":      "2025-07-01T12:00:00Z",
		"scan_data":      map[string]any{"total_current_cost_usd": 12.5},
		"decision_data":  map[string]any{"total_savings_usd": 3, "actions_to_apply": 1},
	}
	for k, v := range fields {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestHandleMessage_MalformedJSON(t *testing.T) {
	ctx := context.Background()
	sub := &stubSubmitter{}
	dlq := &stubDLQ{}

	msg := &pubsub.Message{Data: []byte("{not json")}

	ack := HandleMessage(ctx, sub, dlq, msg)
	if !ack {
		t.Fatalf("expected ack despite DLQ, got nack")
	}
	if sub.called != 0 {
		t.Fatalf("expected submitter not called, got %d", sub.called)
	}
	if dlq.called != 1 || dlq.reasons[0] != ReasonParse {
		t.Fatalf("unexpected dlq calls: %+v", dlq.reasons)
	}
}

func TestHandleMessage_UnknownEncoding(t *testing.T) {
	dlq := &stubDLQ{}
	msg := &pubsub.Message{
		Data:       submissionJSON(t, nil),
		Attributes: map[string]string{EncodingAttribute: "brotli"},
	}
	if !HandleMessage(context.Background(), &stubSubmitter{}, dlq, msg) {
		t.Fatalf("expected ack despite DLQ, got nack")
	}
	if dlq.called != 1 || dlq.reasons[0] != ReasonParse {
		t.Fatalf("unexpected dlq calls: %+v", dlq.reasons)
	}
}

func TestHandleMessage_ValidationError(t *testing.T) {
	ctx := context.Background()
	sub := &stubSubmitter{}
	dlq := &stubDLQ{}

	msg := &pubsub.Message{Data: submissionJSON(t, map[string]any{"timestamp": "not a time"})}

	ack := HandleMessage(ctx, sub, dlq, msg)
	if !ack {
		t.Fatalf("expected ack despite DLQ, got nack")
	}
	if dlq.called != 1 || dlq.reasons[0] != ReasonValidation {
		t.Fatalf("unexpected dlq calls: %+v", dlq.reasons)
	}
}

func TestHandleMessage_StorageErrorNacks(t *testing.T) {
	sub := &stubSubmitter{err: errors.New("disk full")}
	dlq := &stubDLQ{}

	ack := HandleMessage(context.Background(), sub, dlq, &pubsub.Message{Data: submissionJSON(t, nil)})
	if ack {
		t.Fatalf("expected nack on storage error")
	}
	if dlq.called != 0 {
		t.Fatalf("expected no dlq publish, got %d", dlq.called)
	}
}

func TestHandleMessage_DLQFailureNacks(t *testing.T) {
	dlq := &stubDLQ{err: errors.New("topic gone")}
	ack := HandleMessage(context.Background(), &stubSubmitter{}, dlq, &pubsub.Message{Data: []byte("[]")})
	if ack {
		t.Fatalf("expected nack when dlq publish fails")
	}
}

func TestHandleMessage_GoodMessage(t *testing.T) {
	ctx := context.Background()
	sub := &stubSubmitter{}
	dlq := &stubDLQ{}

	ack := HandleMessage(ctx, sub, dlq, &pubsub.Message{Data: submissionJSON(t, nil)})
	if !ack {
		t.Fatalf("expected ack on success")
	}
	if sub.called != 1 {
		t.Fatalf("expected submitter called once, got %d", sub.called)
	}
	if sub.sub.RepoFullName != "acme/api" {
		t.Fatalf("unexpected repo submitted: %q", sub.sub.RepoFullName)
	}
	if dlq.called != 0 {
		t.Fatalf("expected no dlq publish, got %d", dlq.called)
	}
}

func TestHandleMessage_NilDLQ(t *testing.T) {
	if !HandleMessage(context.Background(), &stubSubmitter{}, nil, &pubsub.Message{Data: []byte("nope")}) {
		t.Fatalf("expected ack with noop dlq")
	}
}

func TestPubSubDLQPublisher_NilTopic(t *testing.T) {
	p := NewPubSubDLQPublisher(nil)
	if err := p.Publish(context.Background(), &pubsub.Message{Data: []byte("x")}, ReasonParse); err != nil {
		t.Fatalf("expected no-op publish, got %v", err)
	}
}
