package prompt

import "strings"

// SystemInstruction pins the assistant to the retrieved context. Off-topic
// questions are answered without it.
const SystemInstruction = "You are a helpful assistant. Answer questions based only on the provided context. If the answer is not in the context, say so. If the user asks about another topic, ignore the context."

type Turn struct {
	Role    string
	Content string
}

// Assemble builds the full prompt for one model call: system instruction,
// prior turns in creation order, then a single synthetic user turn carrying
// the retrieved passages and the question. The result is a fresh slice built
// per call; neither prior nor passages is mutated or retained.
func Assemble(systemInstruction string, prior []Turn, passages []string, question string) []Turn {
	turns := make([]Turn, 0, len(prior)+2)
	turns = append(turns, Turn{Role: "system", Content: systemInstruction})
	for _, t := range prior {
		role := t.Role
		if role == "" {
			role = "user"
		}
		turns = append(turns, Turn{Role: role, Content: t.Content})
	}
	turns = append(turns, Turn{Role: "user", Content: composeQuestion(passages, question)})
	return turns
}

// composeQuestion concatenates passages in retriever relevance order. With no
// passages the bare question is sent; this is also the shape of the
// context-free fallback prompt.
func composeQuestion(passages []string, question string) string {
	if len(passages) == 0 {
		return question
	}

	var b strings.Builder
	b.WriteString("Context:")
	for _, p := range passages {
		b.WriteString("\n---\n")
		b.WriteString(p)
	}
	b.WriteString("\n---\n\nQuestion: ")
	b.WriteString(question)
	return b.String()
}
