// Package ports declares the narrow contracts the sync core needs from its
// external collaborators: the durable remote store, the row-level change
// feed, and the streaming completion service. Implementations live under
// infrastructure.
package ports

import (
	"context"

	"loomsync/domain/events"
	"loomsync/domain/graph"
)

// RemoteStore is the durable backing store for graphs, nodes, edges and
// per-user access records.
type RemoteStore interface {
	// CreateGraph inserts a new graph record and returns its generated
	// identity. Called exactly once per graph, on first save.
	CreateGraph(ctx context.Context, name, ownerID string) (string, error)

	// UpdateGraphMeta updates the display name and last-modified marker.
	UpdateGraphMeta(ctx context.Context, graphID, name string) error

	// UpsertNode inserts or replaces a node row keyed on its id.
	UpsertNode(ctx context.Context, rec events.NodeRecord) error

	// DeleteNode removes a node row; deleting an absent row is not an error.
	DeleteNode(ctx context.Context, graphID, nodeID string) error

	// ListNodeIDs returns the ids of every node row stored for the graph.
	ListNodeIDs(ctx context.Context, graphID string) ([]string, error)

	// DeleteEdges removes all edge rows for the graph.
	DeleteEdges(ctx context.Context, graphID string) error

	// InsertEdge inserts one edge row.
	InsertEdge(ctx context.Context, rec events.EdgeRecord) error

	// GetGraph loads a graph with all of its nodes and edges.
	GetGraph(ctx context.Context, graphID string) (events.GraphRecord, []events.NodeRecord, []events.EdgeRecord, error)

	// ListGraphs returns the graphs the user owns or has accessed, most
	// recently accessed first.
	ListGraphs(ctx context.Context, userID string) ([]events.GraphRecord, error)

	// TouchAccess upserts the user's access record for the graph, stamping
	// last_accessed_at. Backs the "my graphs" listing only.
	TouchAccess(ctx context.Context, graphID, userID string) error
}

// Subscription is a handle on an active change-feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// ChangeFeed carries committed row-level changes between sessions sharing a
// graph. Delivery is best-effort in commit order.
type ChangeFeed interface {
	Publish(ctx context.Context, ev events.ChangeEvent) error
	Subscribe(ctx context.Context, graphID string, handler func(events.ChangeEvent)) (Subscription, error)
}

// CompletionStreamer is the external chat-completion service. Chunks are
// delivered in order through onChunk; the call returns when the stream ends,
// fails, or ctx is cancelled. Cancellation stops chunk delivery.
type CompletionStreamer interface {
	Stream(ctx context.Context, model string, temperature float64, msgs []graph.Message, onChunk func(chunk string)) error
}
