package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/flowd/pkg/channels/gochannel"
	"github.com/dukex/flowd/pkg/channels/kafka"
)

// NewWorkerTransport creates the broker the worker bridge publishes to: kafka, or
// gochannel for workers embedded in the same process.
//
// nolint:ireturn // publisher and subscriber depend on the provider
func NewWorkerTransport(provider string, brokers []string, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	watermillLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermillLogger, brokers, "flowd")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return pub, sub, nil
	case "gochannel":
		return gochannel.CreateChannel(watermillLogger)
	default:
		return nil, nil, fmt.Errorf("unsupported worker transport %q", provider)
	}
}
