package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/config"
)

// MessageProcessor handles a single command message. Errors wrapping
// ErrUnprocessable dead-letter the message; any other error abandons it
// for redelivery.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

type AzureClient struct {
	client *azservicebus.Client
}

func NewAzureClient(cfg config.AzureConfig) (*AzureClient, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("azure: queue_conn_str is required")
	}
	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	return &AzureClient{client: client}, nil
}

// StartConsumers accepts sessions from the queue until ctx is cancelled.
// Senders set the aggregate id as session id, so commands for one aggregate
// are handled in order.
func (a *AzureClient) StartConsumers(ctx context.Context, queueName string, processor MessageProcessor) error {
	log.Info().Msgf("Starting consumers for queue %s", queueName)

	for {
		receiver, err := a.client.AcceptNextSessionForQueue(ctx, queueName, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
				continue
			}
			return err
		}

		log.Info().Msgf("Session '%s' received", receiver.SessionID())

		go a.handleSession(ctx, receiver, processor)
	}
}

func (a *AzureClient) Close(ctx context.Context) error {
	return a.client.Close(ctx)
}

func (a *AzureClient) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, processor MessageProcessor) {
	defer func() {
		log.Info().Msgf("Closing session '%s'", receiver.SessionID())
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := receiver.Close(closeCtx); err != nil {
			log.Error().Err(err).Msgf("Error closing session '%s'", receiver.SessionID())
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msgf("Error receiving messages from session '%s'", receiver.SessionID())
			}
			return
		}

		if len(messages) == 0 {
			return
		}

		log.Info().Msgf("Received %d messages from session '%s'", len(messages), receiver.SessionID())

		for _, message := range messages {
			settle(ctx, receiver, message, processor.ProcessMessage(ctx, message))
		}
	}
}

// settler is the part of a receiver used to settle messages
type settler interface {
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
}

func settle(ctx context.Context, receiver settler, message *azservicebus.ReceivedMessage, err error) {
	// settlement must go through even when the consumer is stopping
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
		}

	case errors.Is(err, ErrUnprocessable):
		log.Warn().Err(err).Str("message_id", message.MessageID).Msg("Dead-lettering message")
		reason := "unprocessable"
		description := err.Error()
		if err := receiver.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &description,
		}); err != nil {
			log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to dead-letter message")
		}

	default:
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
		if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
		}
	}
}
