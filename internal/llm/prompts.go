package llm

import "fmt"

// Prompt instructions per analysis kind. The pipeline treats prompt content
// as opaque; only the keys matter to it.
var kindInstructions = map[string]string{
	"summary":                 "Summarize the passage in three to five sentences aimed at a student reader.",
	"key_terms":               "List the key terms in the passage with a one-line definition for each.",
	"vocabulary":              "Identify vocabulary a learner may not know and gloss each word in plain language.",
	"simplification":          "Rewrite the passage in simpler language while preserving its meaning.",
	"comprehension_questions": "Write five comprehension questions about the passage with short model answers.",
	"study_notes":             "Produce structured study notes (headings and bullet points) for the passage.",
	"themes":                  "Identify the central themes of the passage and explain how each is developed.",
	"argument_map":            "Map the passage's argument: main claim, supporting points, and their relations.",
	"evidence_check":          "List every factual claim in the passage and rate how well it is supported.",
	"discussion_prompts":      "Write three open-ended discussion prompts grounded in the passage.",
	"tone_register":           "Describe the tone and register of the passage with supporting quotations.",
	"context_links":           "Suggest background topics a reader should know to fully understand the passage.",
	"critique":                "Critique the passage: strengths, weaknesses, and gaps in its reasoning.",
	"counterargument":         "Construct the strongest counterargument to the passage's position.",
	"synthesis":               "Relate the passage to the broader subject it belongs to and synthesize its contribution.",
	"citation_audit":          "Identify statements that would need citations in academic writing and say why.",
}

// BuildPrompt renders the instruction for one chunk under one analysis kind.
func BuildPrompt(kind, projectTitle, chunkText string) string {
	instruction, ok := kindInstructions[kind]
	if !ok {
		instruction = "Analyze the passage."
	}
	return fmt.Sprintf("You are helping a student study the text %q.\n%s\n\nPassage:\n%s", projectTitle, instruction, chunkText)
}

// KnownKind reports whether a prompt template exists for the kind.
func KnownKind(kind string) bool {
	_, ok := kindInstructions[kind]
	return ok
}
