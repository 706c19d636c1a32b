package graph

// UntitledName is the sentinel title assigned to a graph before the automatic
// summarization step replaces it after the first exchange.
const UntitledName = "Untitled"

// Metadata identifies the graph as a unit of persistence and collaboration.
// ID is empty until the first successful persist assigns one.
type Metadata struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

// Persisted checks whether the graph has been assigned a remote identity.
func (m Metadata) Persisted() bool {
	return m.ID != ""
}
