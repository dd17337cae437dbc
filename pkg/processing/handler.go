package processing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/costguard/ledger/pkg/ingest"
)

// DLQ reasons attached to dead-lettered messages.
const (
	ReasonParse      = "parse_error"
	ReasonValidation = "validation_error"
)

// Submitter is the ingest dependency used by the handler.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) (ingest.Receipt, error)
}

// DLQPublisher publishes messages that can never be stored to a dead-letter topic.
type DLQPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message, reason string) error
}

// PubSubDLQPublisher implements DLQPublisher using a Pub/Sub topic.
type PubSubDLQPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubDLQPublisher constructs a DLQ publisher for the given topic. If the
// topic is nil, publishes are treated as no-ops.
func NewPubSubDLQPublisher(topic *pubsub.Topic) *PubSubDLQPublisher {
	return &PubSubDLQPublisher{topic: topic}
}

// Publish forwards the original payload and attributes with the reason added.
func (p *PubSubDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	if p.topic == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	attrs := make(map[string]string, len(msg.Attributes)+3)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	attrs["reason"] = reason
	attrs["orig_msg_id"] = msg.ID
	if msg.DeliveryAttempt != nil {
		attrs["delivery_attempt"] = strconv.Itoa(*msg.DeliveryAttempt)
	}
	_, err := p.topic.Publish(ctx, &pubsub.Message{Data: msg.Data, Attributes: attrs}).Get(ctx)
	return err
}

// NoopDLQPublisher is used when no DLQ topic is configured.
type NoopDLQPublisher struct{}

func (n *NoopDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	return nil
}

// Handler stores submissions received over Pub/Sub.
type Handler struct {
	Submitter Submitter
	DLQ       DLQPublisher
	Log       logrus.FieldLogger
}

// HandleMessage processes msg with the standard logger. See Handler.Handle.
func HandleMessage(ctx context.Context, s Submitter, dlq DLQPublisher, msg *pubsub.Message) bool {
	h := Handler{Submitter: s, DLQ: dlq}
	return h.Handle(ctx, msg)
}

// Handle returns true if msg should be acked (even when sent to the DLQ) or
// false to nack it for redelivery.
func (h Handler) Handle(ctx context.Context, msg *pubsub.Message) bool {
	dlq := h.DLQ
	if dlq == nil {
		dlq = &NoopDLQPublisher{}
	}
	log := h.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("msg_id", msg.ID)

	sub, err := ParseSubmissionMessage(msg)
	if err != nil {
		log.WithError(err).Warn("pushing message to dlq")
		return deadLetter(ctx, log, dlq, msg, ReasonParse)
	}

	receipt, err := h.Submitter.Submit(ctx, sub)
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		log.WithField("repo", sub.Repo()).WithError(err).Warn("pushing message to dlq")
		return deadLetter(ctx, log, dlq, msg, ReasonValidation)
	case err != nil:
		log.WithField("repo", sub.Repo()).WithError(err).Error("store failed")
		return false
	}

	log.WithFields(logrus.Fields{"repo": receipt.Repo, "id": receipt.ScanID}).Debug("message stored")
	return true
}

func deadLetter(ctx context.Context, log logrus.FieldLogger, dlq DLQPublisher, msg *pubsub.Message, reason string) bool {
	if err := dlq.Publish(ctx, msg, reason); err != nil {
		log.WithError(err).Error("error publishing to dlq")
		return false
	}
	return true
}
