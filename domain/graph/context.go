package graph

import "fmt"

// Message is one ordered entry of a conversation context, the shape consumed
// by the completion service.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AncestorNodes walks parent edges upward from nodeID and returns the chain
// in root-to-immediate-parent order, excluding the node itself. When a node
// has multiple incoming edges the first matching edge wins; that tie-break is
// permanent behavior. A visited set guards termination against manually
// connected cycles.
func (s *Store) AncestorNodes(nodeID string) []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[nodeID]; !ok {
		return nil
	}

	visited := map[string]bool{nodeID: true}
	var chain []*Node
	current := nodeID
	for {
		parentID := ""
		for _, e := range s.edges {
			if e.TargetID == current {
				parentID = e.SourceID
				break
			}
		}
		if parentID == "" || visited[parentID] {
			break
		}
		parent, ok := s.byID[parentID]
		if !ok {
			break
		}
		visited[parentID] = true
		chain = append([]*Node{parent.Clone()}, chain...)
		current = parentID
	}
	return chain
}

// ConversationContext returns the ordered role/content messages for a
// completion request: the node's ancestors root-first, then the node itself.
// Entries created as branches carry their anchoring selection as a bracketed
// context annotation so the model sees why the branch diverged.
func (s *Store) ConversationContext(nodeID string) []Message {
	ancestors := s.AncestorNodes(nodeID)
	node := s.NodeByID(nodeID)
	if node == nil {
		return nil
	}

	msgs := make([]Message, 0, len(ancestors)+1)
	for _, n := range ancestors {
		msgs = append(msgs, Message{Role: n.Role, Content: renderContent(n)})
	}
	msgs = append(msgs, Message{Role: node.Role, Content: renderContent(node)})
	return msgs
}

// AncestorMessages is ConversationContext without the node itself, used when
// the node is a placeholder still being generated into.
func (s *Store) AncestorMessages(nodeID string) []Message {
	ancestors := s.AncestorNodes(nodeID)
	msgs := make([]Message, 0, len(ancestors))
	for _, n := range ancestors {
		msgs = append(msgs, Message{Role: n.Role, Content: renderContent(n)})
	}
	return msgs
}

func renderContent(n *Node) string {
	if n.BranchContext == "" {
		return n.Content
	}
	return fmt.Sprintf("[Context: %q]\n%s", n.BranchContext, n.Content)
}
