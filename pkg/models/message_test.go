package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageHasToolCalls(t *testing.T) {
	var nilMsg *Message
	assert.False(t, nilMsg.HasToolCalls())

	m := &Message{}
	assert.False(t, m.HasToolCalls())

	m.ToolCalls = []ToolCall{{ID: "t1", Name: "read"}}
	assert.True(t, m.HasToolCalls())
}

func TestMessageToolCallIDs(t *testing.T) {
	m := &Message{ToolCalls: []ToolCall{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, []string{"a", "b"}, m.ToolCallIDs())

	var nilMsg *Message
	assert.Nil(t, nilMsg.ToolCallIDs())
}

func TestMessageCloneIsIndependent(t *testing.T) {
	original := &Message{
		ID:          "m1",
		ToolCalls:   []ToolCall{{ID: "t1", Name: "read"}},
		ToolResults: []ToolResult{{ToolCallID: "t1", Output: "ok"}},
		Images:      []ImageRef{{FileID: "f1"}},
	}

	clone := original.Clone()
	require.NotNil(t, clone)
	clone.ToolCalls[0].Name = "write"
	clone.ToolResults[0].Output = "mutated"
	clone.Images[0].FileID = "f2"

	assert.Equal(t, "read", original.ToolCalls[0].Name)
	assert.Equal(t, "ok", original.ToolResults[0].Output)
	assert.Equal(t, "f1", original.Images[0].FileID)

	var nilMsg *Message
	assert.Nil(t, nilMsg.Clone())
}
