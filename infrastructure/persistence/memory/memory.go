// Package memory holds in-process implementations of the remote store, the
// change feed and the presence transport. They back unit tests and local
// development without external services.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loomsync/application/ports"
	"loomsync/application/presence"
	"loomsync/domain/events"
	"loomsync/pkg/errors"
)

// Store is an in-memory ports.RemoteStore. The Fail hook, when set, is
// consulted before every operation with the operation name, letting tests
// inject failures per call.
type Store struct {
	mu     sync.Mutex
	graphs map[string]events.GraphRecord
	nodes  map[string]map[string]events.NodeRecord
	edges  map[string]map[string]events.EdgeRecord
	access map[string]map[string]time.Time

	Fail func(op string) error
}

func NewStore() *Store {
	return &Store{
		graphs: make(map[string]events.GraphRecord),
		nodes:  make(map[string]map[string]events.NodeRecord),
		edges:  make(map[string]map[string]events.EdgeRecord),
		access: make(map[string]map[string]time.Time),
	}
}

func (s *Store) fail(op string) error {
	if s.Fail != nil {
		return s.Fail(op)
	}
	return nil
}

func (s *Store) CreateGraph(_ context.Context, name, ownerID string) (string, error) {
	if err := s.fail("CreateGraph"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	now := time.Now()
	s.graphs[id] = events.GraphRecord{
		ID: id, Name: name, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now,
	}
	s.nodes[id] = make(map[string]events.NodeRecord)
	s.edges[id] = make(map[string]events.EdgeRecord)
	return id, nil
}

func (s *Store) UpdateGraphMeta(_ context.Context, graphID, name string) error {
	if err := s.fail("UpdateGraphMeta"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.graphs[graphID]
	if !ok {
		return errors.NewNotFoundError("graph")
	}
	rec.Name = name
	rec.UpdatedAt = time.Now()
	s.graphs[graphID] = rec
	return nil
}

func (s *Store) UpsertNode(_ context.Context, rec events.NodeRecord) error {
	if err := s.fail("UpsertNode"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[rec.GraphID] == nil {
		s.nodes[rec.GraphID] = make(map[string]events.NodeRecord)
	}
	s.nodes[rec.GraphID][rec.ID] = rec
	return nil
}

func (s *Store) DeleteNode(_ context.Context, graphID, nodeID string) error {
	if err := s.fail("DeleteNode"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes[graphID], nodeID)
	return nil
}

func (s *Store) ListNodeIDs(_ context.Context, graphID string) ([]string, error) {
	if err := s.fail("ListNodeIDs"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.nodes[graphID]))
	for id := range s.nodes[graphID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeleteEdges(_ context.Context, graphID string) error {
	if err := s.fail("DeleteEdges"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[graphID] = make(map[string]events.EdgeRecord)
	return nil
}

func (s *Store) InsertEdge(_ context.Context, rec events.EdgeRecord) error {
	if err := s.fail("InsertEdge"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edges[rec.GraphID] == nil {
		s.edges[rec.GraphID] = make(map[string]events.EdgeRecord)
	}
	s.edges[rec.GraphID][rec.ID] = rec
	return nil
}

func (s *Store) GetGraph(_ context.Context, graphID string) (events.GraphRecord, []events.NodeRecord, []events.EdgeRecord, error) {
	if err := s.fail("GetGraph"); err != nil {
		return events.GraphRecord{}, nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.graphs[graphID]
	if !ok {
		return events.GraphRecord{}, nil, nil, errors.NewNotFoundError("graph")
	}
	nodes := make([]events.NodeRecord, 0, len(s.nodes[graphID]))
	for _, rec := range s.nodes[graphID] {
		nodes = append(nodes, rec)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	edges := make([]events.EdgeRecord, 0, len(s.edges[graphID]))
	for _, rec := range s.edges[graphID] {
		edges = append(edges, rec)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return meta, nodes, edges, nil
}

func (s *Store) ListGraphs(_ context.Context, userID string) ([]events.GraphRecord, error) {
	if err := s.fail("ListGraphs"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	type entry struct {
		rec     events.GraphRecord
		touched time.Time
	}
	var entries []entry
	for id, rec := range s.graphs {
		touched := rec.UpdatedAt
		owned := rec.OwnerID == userID
		if t, ok := s.access[userID][id]; ok {
			if t.After(touched) {
				touched = t
			}
		} else if !owned {
			continue
		}
		entries = append(entries, entry{rec: rec, touched: touched})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].touched.After(entries[j].touched) })
	recs := make([]events.GraphRecord, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, e.rec)
	}
	return recs, nil
}

func (s *Store) TouchAccess(_ context.Context, graphID, userID string) error {
	if err := s.fail("TouchAccess"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access[userID] == nil {
		s.access[userID] = make(map[string]time.Time)
	}
	s.access[userID][graphID] = time.Now()
	return nil
}

// NodeCount reports the stored node rows for a graph, for test assertions.
func (s *Store) NodeCount(graphID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes[graphID])
}

// EdgeCount reports the stored edge rows for a graph, for test assertions.
func (s *Store) EdgeCount(graphID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edges[graphID])
}

// Feed is an in-process ports.ChangeFeed. Publish delivers synchronously to
// every subscriber of the event's graph.
type Feed struct {
	mu   sync.Mutex
	subs map[string]map[int]func(events.ChangeEvent)
	next int
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[string]map[int]func(events.ChangeEvent))}
}

func (f *Feed) Publish(_ context.Context, ev events.ChangeEvent) error {
	f.mu.Lock()
	handlers := make([]func(events.ChangeEvent), 0, len(f.subs[ev.GraphID]))
	for _, h := range f.subs[ev.GraphID] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (f *Feed) Subscribe(_ context.Context, graphID string, handler func(events.ChangeEvent)) (ports.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[graphID] == nil {
		f.subs[graphID] = make(map[int]func(events.ChangeEvent))
	}
	id := f.next
	f.next++
	f.subs[graphID][id] = handler
	return &feedSub{feed: f, graphID: graphID, id: id}, nil
}

// SubscriberCount reports live subscriptions for a graph, for test
// assertions.
func (f *Feed) SubscriberCount(graphID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[graphID])
}

type feedSub struct {
	feed    *Feed
	graphID string
	id      int
}

func (s *feedSub) Unsubscribe() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.subs[s.graphID], s.id)
	return nil
}

// PresenceHub is an in-process presence.Transport connecting every joined
// channel of a graph.
type PresenceHub struct {
	mu      sync.Mutex
	members map[string]map[int]*presenceChannel
	next    int
}

func NewPresenceHub() *PresenceHub {
	return &PresenceHub{members: make(map[string]map[int]*presenceChannel)}
}

func (h *PresenceHub) Join(_ context.Context, graphID string, onState func(presence.Collaborator)) (presence.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.members[graphID] == nil {
		h.members[graphID] = make(map[int]*presenceChannel)
	}
	ch := &presenceChannel{hub: h, graphID: graphID, id: h.next, onState: onState}
	h.members[graphID][h.next] = ch
	h.next++
	return ch, nil
}

type presenceChannel struct {
	hub     *PresenceHub
	graphID string
	id      int
	onState func(presence.Collaborator)
}

func (c *presenceChannel) Send(_ context.Context, state presence.Collaborator) error {
	c.hub.mu.Lock()
	peers := make([]*presenceChannel, 0, len(c.hub.members[c.graphID]))
	for _, peer := range c.hub.members[c.graphID] {
		peers = append(peers, peer)
	}
	c.hub.mu.Unlock()
	for _, peer := range peers {
		peer.onState(state)
	}
	return nil
}

func (c *presenceChannel) Leave() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	delete(c.hub.members[c.graphID], c.id)
	return nil
}
