package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/costguard/ledger/pkg/processing"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Store submissions received from a Pub/Sub subscription",
	Long: `Receive submissions from a Pub/Sub subscription and store them in the
ledger. Messages that can never be stored go to the dead-letter topic when one
is configured; storage failures are nacked for redelivery.`,
	RunE: runProcess,
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ps := cfg.PubSub
	if ps.ProjectID == "" || ps.SubscriptionID == "" {
		return fmt.Errorf("pubsub.project_id and pubsub.subscription_id are required")
	}

	svc, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	client, err := pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	defer client.Close()

	var dlq processing.DLQPublisher
	if ps.DLQTopic != "" {
		topic := client.Topic(ps.DLQTopic)
		defer topic.Stop()
		dlq = processing.NewPubSubDLQPublisher(topic)
	} else {
		dlq = &processing.NoopDLQPublisher{}
	}

	handler := processing.Handler{
		Submitter: svc.ingest,
		DLQ:       dlq,
		Log:       log.WithField("component", "processor"),
	}

	sub := client.Subscription(ps.SubscriptionID)
	sub.ReceiveSettings.NumGoroutines = ps.Workers
	sub.ReceiveSettings.MaxOutstandingMessages = ps.MaxOutstanding

	log.WithFields(logrus.Fields{
		"project":      ps.ProjectID,
		"subscription": ps.SubscriptionID,
		"workers":      ps.Workers,
		"dlq":          ps.DLQTopic,
		"backend":      cfg.Store.Backend,
	}).Info("processor started")

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if handler.Handle(ctx, msg) {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
	if err != nil {
		return fmt.Errorf("subscription receive ended: %w", err)
	}
	return nil
}
