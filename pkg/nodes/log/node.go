// Package log provides the logging node type.
package log

import (
	"context"
	"fmt"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/sirupsen/logrus"
)

const TypeKey = "log"

// Node writes a message to the execution logger and forwards its input unchanged.
type Node struct{}

func New() *Node {
	return &Node{}
}

func (n *Node) Describe() models.NodeTypeDescription {
	return models.NodeTypeDescription{
		Type:        TypeKey,
		DisplayName: "Log",
		Description: "Writes a message to the server log",
		Inputs:      []models.InputPortSpec{{Name: models.MainPort, Required: true}},
		Outputs:     []string{models.MainPort},
		Properties: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"message": {Type: "string"},
				"level": {
					Type:    "string",
					Enum:    []any{"debug", "info", "warn", "error"},
					Default: "info",
				},
			},
			Required: []string{"message"},
		},
	}
}

func (n *Node) Execute(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
	message := fmt.Sprint(req.Parameters["message"])

	level := logrus.InfoLevel
	if lvl, ok := req.Parameters["level"].(string); ok && lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			return nil, protocol.Permanent(fmt.Errorf("invalid log level %q", lvl))
		}

		level = parsed
	}

	logger := req.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	logger.WithFields(logrus.Fields{
		"node_id":   req.NodeID,
		"node_type": TypeKey,
	}).Log(level, message)

	items := req.Input[models.MainPort]
	if items == nil {
		items = models.Items{}
	}

	return models.PortData{models.MainPort: append(models.Items(nil), items...)}, nil
}
