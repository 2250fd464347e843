package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iliyamo/marketplace-auth/internal/config"
	"github.com/iliyamo/marketplace-auth/internal/logging"
	"github.com/iliyamo/marketplace-auth/internal/queue"
)

// NewConsumeMailCmd creates the consume-mail subcommand.
func NewConsumeMailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume-mail",
		Short: "Deliver password reset mail from RabbitMQ",
		Long: `Consume password reset events from RabbitMQ and append each message
to the mail log until interrupted.`,
		RunE: runConsumeMail,
	}
}

func runConsumeMail(cmd *cobra.Command, _ []string) error {
	qc := config.LoadQueueConfig()
	log := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := queue.NewConsumer(qc.URL, qc.ResetQueue, queue.NewMailLog(qc.MailLogPath, qc.ResetLinkBase), log)
	log.Info("mail consumer started", "queue", qc.ResetQueue, "mail_log", qc.MailLogPath)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	cmd.Println("mail consumer stopped")
	return nil
}
