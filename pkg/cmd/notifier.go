package cmd

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/conduit/pkg/channels/gochannel"
	"github.com/dukex/conduit/pkg/channels/kafka"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/notifier"
	"github.com/sirupsen/logrus"
)

// NewNotifier builds the realtime notifier on the selected watermill transport.
func NewNotifier(provider string, logger *logrus.Entry) (*notifier.Notifier, error) {
	adapter := log.NewWatermillAdapter(logger)

	var (
		pub message.Publisher
		sub message.Subscriber
		err error
	)

	switch provider {
	case "", "gochannel":
		pub, sub, err = gochannel.CreateChannel(adapter)
	case "kafka":
		pub, sub, err = kafka.CreateChannel(adapter, "conduit-notifier")
	default:
		return nil, fmt.Errorf("unsupported notifier provider %q", provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s pub/sub: %w", provider, err)
	}

	return notifier.New(pub, sub, logger)
}
