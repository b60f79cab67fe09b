// Package nodes gathers the built-in node types.
package nodes

import (
	"github.com/dukex/conduit/pkg/nodes/conditional"
	"github.com/dukex/conduit/pkg/nodes/httprequest"
	"github.com/dukex/conduit/pkg/nodes/log"
	"github.com/dukex/conduit/pkg/nodes/merge"
	"github.com/dukex/conduit/pkg/nodes/transform"
	"github.com/dukex/conduit/pkg/nodes/trigger"
	"github.com/dukex/conduit/pkg/protocol"
)

// Catalog returns a fresh instance of every built-in node type.
func Catalog() []protocol.NodeType {
	return []protocol.NodeType{
		trigger.NewWebhook(),
		trigger.NewSchedule(),
		trigger.NewManual(),
		httprequest.New(),
		transform.New(),
		log.New(),
		merge.New(),
		conditional.New(),
	}
}
