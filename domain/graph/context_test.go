package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationContext(t *testing.T) {
	t.Run("orders ancestors root first", func(t *testing.T) {
		s := NewStore("user-1")
		rootID := s.CreateRootNode(Position{}, "question", "")
		answerID := s.CreateChildNode(rootID, Position{}, "")
		s.AppendContent(answerID, "answer")
		followID := s.CreateChildNode(answerID, Position{}, "")
		s.AppendContent(followID, "follow-up")

		msgs := s.ConversationContext(followID)
		require.Len(t, msgs, 3)
		assert.Equal(t, Message{Role: RoleUser, Content: "question"}, msgs[0])
		assert.Equal(t, Message{Role: RoleAssistant, Content: "answer"}, msgs[1])
		assert.Equal(t, Message{Role: RoleUser, Content: "follow-up"}, msgs[2])
	})

	t.Run("annotates branch anchors", func(t *testing.T) {
		s := NewStore("user-1")
		rootID := s.CreateRootNode(Position{}, "tell me about oceans", "")
		answerID := s.CreateChildNode(rootID, Position{}, "")
		s.AppendContent(answerID, "the pacific is the largest")
		branchID := s.CreateChildNode(answerID, Position{}, "the pacific")
		s.AppendContent(branchID, "how deep is it?")

		msgs := s.ConversationContext(branchID)
		require.Len(t, msgs, 3)
		assert.Equal(t, "[Context: \"the pacific\"]\nhow deep is it?", msgs[2].Content)
	})

	t.Run("unknown node yields nil", func(t *testing.T) {
		s := NewStore("user-1")
		assert.Nil(t, s.ConversationContext("missing"))
	})

	t.Run("terminates on a cycle", func(t *testing.T) {
		s := NewStore("user-1")
		a := s.CreateRootNode(Position{}, "a", "")
		b := s.CreateRootNode(Position{}, "b", "")
		s.Connect(a, b)
		s.Connect(b, a)

		msgs := s.ConversationContext(b)
		require.Len(t, msgs, 2)
		assert.Equal(t, "a", msgs[0].Content)
	})
}

func TestAncestorMessages(t *testing.T) {
	s := NewStore("user-1")
	rootID := s.CreateRootNode(Position{}, "question", "")
	answerID := s.CreateChildNode(rootID, Position{}, "")

	msgs := s.AncestorMessages(answerID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "question", msgs[0].Content)
}
