package graph

import (
	"sync"
)

// PositionTolerance is the pixel distance under which a remote position update
// is treated as identical to the local one. Positions drift by sub-pixel
// amounts when floats round-trip through the store, and replacing a node for
// such a change only causes re-render thrashing.
const PositionTolerance = 1.0

// Store is the single source of truth for one graph session: the node and
// edge lists, the graph metadata, and UI-transient selection state.
//
// All mutation is serialized through an internal mutex, and exactly three
// callers mutate it: direct UI actions, the sync engine (identity and
// baseline only) and the realtime reconciler (ApplyRemote* merges). Local
// mutations and remote merges fire separate notification callbacks so the
// sync engine can observe dirtiness without reacting to its own feed.
type Store struct {
	mu sync.Mutex

	meta  Metadata
	nodes []*Node
	edges []*Edge
	byID  map[string]*Node

	selectedID      string
	branchSelection string

	history *history

	onLocalChange []func()
	onRefresh     []func()
}

// NewStore creates an empty store owned by ownerID, named with the untitled
// sentinel until summarization renames it.
func NewStore(ownerID string) *Store {
	return &Store{
		meta:    Metadata{Name: UntitledName, OwnerID: ownerID},
		byID:    make(map[string]*Node),
		history: newHistory(historyLimit),
	}
}

// OnLocalChange registers a callback fired after every UI-originated
// mutation. The sync engine uses it to mark the session dirty.
func (s *Store) OnLocalChange(fn func()) {
	s.mu.Lock()
	s.onLocalChange = append(s.onLocalChange, fn)
	s.mu.Unlock()
}

// OnRefresh registers a callback fired after any mutation, including remote
// merges. The view layer uses it to re-render.
func (s *Store) OnRefresh(fn func()) {
	s.mu.Lock()
	s.onRefresh = append(s.onRefresh, fn)
	s.mu.Unlock()
}

// notifyLocal must be called without the lock held.
func (s *Store) notifyLocal() {
	s.mu.Lock()
	local := append([]func(){}, s.onLocalChange...)
	refresh := append([]func(){}, s.onRefresh...)
	s.mu.Unlock()
	for _, fn := range local {
		fn()
	}
	for _, fn := range refresh {
		fn()
	}
}

// notifyRemote must be called without the lock held.
func (s *Store) notifyRemote() {
	s.mu.Lock()
	refresh := append([]func(){}, s.onRefresh...)
	s.mu.Unlock()
	for _, fn := range refresh {
		fn()
	}
}

// Meta returns the graph metadata.
func (s *Store) Meta() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// SetGraphID records the remote identity assigned on first persist. It does
// not count as a content mutation.
func (s *Store) SetGraphID(id string) {
	s.mu.Lock()
	s.meta.ID = id
	s.mu.Unlock()
}

// SetName renames the graph.
func (s *Store) SetName(name string) {
	s.mu.Lock()
	if s.meta.Name == name {
		s.mu.Unlock()
		return
	}
	s.meta.Name = name
	s.mu.Unlock()
	s.notifyLocal()
}

// Nodes returns the node list in insertion order. The returned nodes are
// copies; mutating them does not affect the store.
func (s *Store) Nodes() []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Node, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Clone()
	}
	return out
}

// Edges returns the edge list in insertion order.
func (s *Store) Edges() []*Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Edge, len(s.edges))
	for i, e := range s.edges {
		c := *e
		out[i] = &c
	}
	return out
}

// NodeByID returns a copy of the node, or nil if absent.
func (s *Store) NodeByID(id string) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.byID[id]; ok {
		return n.Clone()
	}
	return nil
}

// AnyGenerating reports whether any node is currently streaming content.
func (s *Store) AnyGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.Generating {
			return true
		}
	}
	return false
}

// CreateRootNode appends a new user-role node with no parent and returns its
// id. It always succeeds.
func (s *Store) CreateRootNode(pos Position, content, authorName string) string {
	s.mu.Lock()
	s.history.push(s.nodes, s.edges)
	node := &Node{
		ID:         NewNodeID(),
		Position:   pos,
		Kind:       KindMessage,
		Role:       RoleUser,
		Content:    content,
		AuthorName: authorName,
	}
	s.append(node)
	s.mu.Unlock()
	s.notifyLocal()
	return node.ID
}

// CreateChildNode creates a branch child under parentID and connects it with
// a directed edge. The child's role is derived by parent-role inversion, and
// persona metadata is inherited. An assistant child starts in the generating
// state since a completion is expected to follow.
//
// An unknown parent makes the operation a no-op: a fresh id is returned but
// no node or edge is created, preventing dangling children.
func (s *Store) CreateChildNode(parentID string, pos Position, branchContext string) string {
	s.mu.Lock()
	parent, ok := s.byID[parentID]
	if !ok {
		s.mu.Unlock()
		return NewNodeID()
	}
	s.history.push(s.nodes, s.edges)
	child := &Node{
		ID:            NewNodeID(),
		Position:      pos,
		Kind:          KindMessage,
		Role:          parent.ChildRole(),
		BranchContext: branchContext,
		PersonaID:     parent.PersonaID,
		CustomPersona: parent.CustomPersona,
	}
	if child.Role == RoleAssistant {
		child.Generating = true
	}
	s.append(child)
	s.edges = append(s.edges, &Edge{ID: NewEdgeID(), SourceID: parentID, TargetID: child.ID})
	s.mu.Unlock()
	s.notifyLocal()
	return child.ID
}

// CreateAttachmentNode appends a root node carrying a file reference.
func (s *Store) CreateAttachmentNode(pos Position, att Attachment, authorName string) string {
	s.mu.Lock()
	s.history.push(s.nodes, s.edges)
	node := &Node{
		ID:         NewNodeID(),
		Position:   pos,
		Kind:       KindAttachment,
		Role:       RoleUser,
		AuthorName: authorName,
		Attachment: &att,
	}
	s.append(node)
	s.mu.Unlock()
	s.notifyLocal()
	return node.ID
}

// UpdateNode shallow-merges the patch into the node's data. Unknown ids are
// a no-op. Used repeatedly for streaming content updates and for terminal
// state transitions.
func (s *Store) UpdateNode(id string, patch NodePatch) {
	s.mu.Lock()
	node, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if patch.Content != nil {
		node.Content = *patch.Content
	}
	if patch.BranchContext != nil {
		node.BranchContext = *patch.BranchContext
	}
	if patch.Generating != nil {
		node.Generating = *patch.Generating
	}
	if patch.PersonaID != nil {
		node.PersonaID = *patch.PersonaID
	}
	if patch.CustomPersona != nil {
		node.CustomPersona = *patch.CustomPersona
	}
	if patch.AuthorName != nil {
		node.AuthorName = *patch.AuthorName
	}
	if patch.Attachment != nil {
		node.Kind = KindAttachment
		att := *patch.Attachment
		node.Attachment = &att
	}
	s.mu.Unlock()
	s.notifyLocal()
}

// AppendContent appends a streamed chunk to the node's content.
func (s *Store) AppendContent(id, chunk string) {
	s.mu.Lock()
	node, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	node.Content += chunk
	s.mu.Unlock()
	s.notifyLocal()
}

// MoveNode updates a node's canvas position.
func (s *Store) MoveNode(id string, pos Position) {
	s.mu.Lock()
	node, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	node.Position = pos
	s.mu.Unlock()
	s.notifyLocal()
}

// DeleteNode removes the node and every edge touching it. The cascade is a
// single hop: descendants are kept and become unreachable islands unless
// another edge still roots them.
func (s *Store) DeleteNode(id string) {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return
	}
	s.history.push(s.nodes, s.edges)
	s.removeNode(id)
	if s.selectedID == id {
		s.selectedID = ""
	}
	s.mu.Unlock()
	s.notifyLocal()
}

// Connect inserts a directed edge between two existing nodes. Duplicate
// (source,target) pairs and unknown endpoints are no-ops.
func (s *Store) Connect(sourceID, targetID string) string {
	s.mu.Lock()
	if _, ok := s.byID[sourceID]; !ok {
		s.mu.Unlock()
		return ""
	}
	if _, ok := s.byID[targetID]; !ok {
		s.mu.Unlock()
		return ""
	}
	key := sourceID + "->" + targetID
	for _, e := range s.edges {
		if e.Key() == key {
			s.mu.Unlock()
			return e.ID
		}
	}
	s.history.push(s.nodes, s.edges)
	edge := &Edge{ID: NewEdgeID(), SourceID: sourceID, TargetID: targetID}
	s.edges = append(s.edges, edge)
	s.mu.Unlock()
	s.notifyLocal()
	return edge.ID
}

// RemoveEdge deletes an edge by id; absence is a no-op.
func (s *Store) RemoveEdge(id string) {
	s.mu.Lock()
	removed := false
	for i, e := range s.edges {
		if e.ID == id {
			s.history.push(s.nodes, s.edges)
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()
	if removed {
		s.notifyLocal()
	}
}

// SelectNode records the active selection. Transient state: excluded from
// snapshots and history.
func (s *Store) SelectNode(id string) {
	s.mu.Lock()
	s.selectedID = id
	s.mu.Unlock()
}

// SelectedNode returns the currently selected node id.
func (s *Store) SelectedNode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedID
}

// SetBranchSelection records the text selection pending branch creation.
func (s *Store) SetBranchSelection(text string) {
	s.mu.Lock()
	s.branchSelection = text
	s.mu.Unlock()
}

// BranchSelection returns the pending branch text selection.
func (s *Store) BranchSelection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branchSelection
}

// HasChildren reports whether any edge leaves the node.
func (s *Store) HasChildren(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.edges {
		if e.SourceID == id {
			return true
		}
	}
	return false
}

// BranchAnchors returns the branch-context snippets of the node's children,
// used by the view to highlight branched-from selections.
func (s *Store) BranchAnchors(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var anchors []string
	for _, e := range s.edges {
		if e.SourceID != id {
			continue
		}
		if child, ok := s.byID[e.TargetID]; ok && child.BranchContext != "" {
			anchors = append(anchors, child.BranchContext)
		}
	}
	return anchors
}

// Undo restores the previous structural snapshot, if any.
func (s *Store) Undo() bool {
	s.mu.Lock()
	nodes, edges, ok := s.history.undo(s.nodes, s.edges)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.restore(nodes, edges)
	s.mu.Unlock()
	s.notifyLocal()
	return true
}

// Redo re-applies an undone structural snapshot, if any.
func (s *Store) Redo() bool {
	s.mu.Lock()
	nodes, edges, ok := s.history.redo(s.nodes, s.edges)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.restore(nodes, edges)
	s.mu.Unlock()
	s.notifyLocal()
	return true
}

// ApplyRemoteNodeUpsert merges a node received from the change feed. A known
// node is replaced only when its content differs or its position moved by
// more than PositionTolerance; sub-pixel drift is dropped to avoid re-render
// jitter. Unknown nodes are appended. Reports whether the store changed.
func (s *Store) ApplyRemoteNodeUpsert(incoming Node) bool {
	s.mu.Lock()
	existing, ok := s.byID[incoming.ID]
	if ok {
		if existing.Content == incoming.Content &&
			existing.Position.DistanceTo(incoming.Position) <= PositionTolerance {
			s.mu.Unlock()
			return false
		}
		// The generating flag is session-local and never persisted; keep ours.
		generating := existing.Generating
		*existing = incoming
		existing.Generating = generating
		s.mu.Unlock()
		s.notifyRemote()
		return true
	}
	n := incoming
	s.append(&n)
	s.mu.Unlock()
	s.notifyRemote()
	return true
}

// ApplyRemoteNodeDelete removes a node announced deleted by the feed.
// Absence is not an error.
func (s *Store) ApplyRemoteNodeDelete(id string) bool {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return false
	}
	s.removeNode(id)
	s.mu.Unlock()
	s.notifyRemote()
	return true
}

// ApplyRemoteEdgeUpsert appends an edge from the feed, deduplicating by edge
// identity and by ordered (source,target) pair so re-delivered inserts do not
// produce duplicate entries.
func (s *Store) ApplyRemoteEdgeUpsert(incoming Edge) bool {
	s.mu.Lock()
	for _, e := range s.edges {
		if e.ID == incoming.ID || e.Key() == incoming.Key() {
			s.mu.Unlock()
			return false
		}
	}
	c := incoming
	s.edges = append(s.edges, &c)
	s.mu.Unlock()
	s.notifyRemote()
	return true
}

// ApplyRemoteEdgeDelete removes the matching edge, matching by identity first
// and (source,target) pair second since edge rows are recreated on every
// remote save.
func (s *Store) ApplyRemoteEdgeDelete(incoming Edge) bool {
	s.mu.Lock()
	for i, e := range s.edges {
		if e.ID == incoming.ID || e.Key() == incoming.Key() {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			s.mu.Unlock()
			s.notifyRemote()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// ApplyRemoteName applies a graph rename from the feed, only when the name
// actually differs.
func (s *Store) ApplyRemoteName(name string) bool {
	s.mu.Lock()
	if name == "" || s.meta.Name == name {
		s.mu.Unlock()
		return false
	}
	s.meta.Name = name
	s.mu.Unlock()
	s.notifyRemote()
	return true
}

// Load replaces the whole graph state from persisted records, without firing
// change notifications. Used once when a session opens an existing graph.
func (s *Store) Load(meta Metadata, nodes []*Node, edges []*Edge) {
	s.mu.Lock()
	s.meta = meta
	s.nodes = make([]*Node, 0, len(nodes))
	s.byID = make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		s.append(n.Clone())
	}
	s.edges = make([]*Edge, 0, len(edges))
	for _, e := range edges {
		c := *e
		s.edges = append(s.edges, &c)
	}
	s.history = newHistory(historyLimit)
	s.mu.Unlock()
}

// append and removeNode require the lock to be held.

func (s *Store) append(n *Node) {
	s.nodes = append(s.nodes, n)
	s.byID[n.ID] = n
}

func (s *Store) removeNode(id string) {
	for i, n := range s.nodes {
		if n.ID == id {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			break
		}
	}
	delete(s.byID, id)
	kept := s.edges[:0]
	for _, e := range s.edges {
		if e.SourceID != id && e.TargetID != id {
			kept = append(kept, e)
		}
	}
	s.edges = kept
}

func (s *Store) restore(nodes []*Node, edges []*Edge) {
	s.nodes = nodes
	s.edges = edges
	s.byID = make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		s.byID[n.ID] = n
	}
	if _, ok := s.byID[s.selectedID]; !ok {
		s.selectedID = ""
	}
}
