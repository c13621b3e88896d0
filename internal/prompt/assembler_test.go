package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleOrdering(t *testing.T) {
	prior := []Turn{
		{Role: "user", Content: "who narrates?"},
		{Role: "assistant", Content: "Ishmael."},
	}
	turns := Assemble(SystemInstruction, prior, []string{"Call me Ishmael."}, "what ship?")

	require.Len(t, turns, 4)
	assert.Equal(t, "system", turns[0].Role)
	assert.Equal(t, SystemInstruction, turns[0].Content)
	assert.Equal(t, prior[0], turns[1])
	assert.Equal(t, prior[1], turns[2])
	assert.Equal(t, "user", turns[3].Role)
	assert.Equal(t, "Context:\n---\nCall me Ishmael.\n---\n\nQuestion: what ship?", turns[3].Content)
}

func TestAssembleMultiplePassages(t *testing.T) {
	turns := Assemble(SystemInstruction, nil, []string{"first passage", "second passage"}, "q")

	require.Len(t, turns, 2)
	assert.Equal(t,
		"Context:\n---\nfirst passage\n---\nsecond passage\n---\n\nQuestion: q",
		turns[1].Content)
}

func TestAssembleNoPassagesSendsBareQuestion(t *testing.T) {
	turns := Assemble(SystemInstruction, nil, nil, "just the question")

	require.Len(t, turns, 2)
	assert.Equal(t, "just the question", turns[1].Content)
}

func TestAssembleDefaultsEmptyPriorRole(t *testing.T) {
	turns := Assemble(SystemInstruction, []Turn{{Content: "untagged"}}, nil, "q")

	require.Len(t, turns, 3)
	assert.Equal(t, "user", turns[1].Role)
}

func TestAssembleDoesNotMutateInputs(t *testing.T) {
	prior := []Turn{{Role: "user", Content: "original"}}
	passages := []string{"passage"}

	turns := Assemble(SystemInstruction, prior, passages, "q")
	turns[1].Content = "mutated"

	assert.Equal(t, "original", prior[0].Content)
	assert.Equal(t, "passage", passages[0])
}
