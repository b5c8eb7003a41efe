package batch

import "chunklab-backend/internal/projects"

// Analysis kind catalog. Levels are cumulative: each tier includes every kind
// from the tiers below it.
var (
	foundationKinds = []string{
		"summary",
		"key_terms",
		"vocabulary",
		"simplification",
		"comprehension_questions",
		"study_notes",
	}
	intermediateKinds = []string{
		"themes",
		"argument_map",
		"evidence_check",
		"discussion_prompts",
		"tone_register",
		"context_links",
	}
	advancedKinds = []string{
		"critique",
		"counterargument",
		"synthesis",
		"citation_audit",
	}
)

// KindsForLevel returns the ordered set of analysis kinds applicable to a
// project level. Unknown levels get the foundation set.
func KindsForLevel(level string) []string {
	out := append([]string{}, foundationKinds...)
	switch level {
	case projects.LevelIntermediate:
		out = append(out, intermediateKinds...)
	case projects.LevelAdvanced:
		out = append(out, intermediateKinds...)
		out = append(out, advancedKinds...)
	}
	return out
}

// ValidKindForLevel reports whether the kind applies to the level.
func ValidKindForLevel(kind, level string) bool {
	for _, k := range KindsForLevel(level) {
		if k == kind {
			return true
		}
	}
	return false
}
