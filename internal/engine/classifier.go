package engine

import (
	"strings"

	"github.com/scrypster/recall/pkg/types"
)

// Classifier decides the long-term type for a working record being promoted.
// It must return TypeEpisodic or TypeSemantic.
type Classifier func(content string, metadata map[string]string) types.MemoryType

// episodicMarkers are phrases that suggest a record describes a specific
// event rather than a standing fact.
var episodicMarkers = []string{
	"i ", "we ", "my ", "me ",
	"today", "yesterday", "this morning", "this afternoon", "tonight",
	"just now", "earlier", "last time",
}

// HeuristicClassifier routes event-like, first-person content to episodic
// and everything else to semantic. It is the default; callers with an LLM
// available can plug in a smarter Classifier.
func HeuristicClassifier(content string, metadata map[string]string) types.MemoryType {
	if kind, ok := metadata["kind"]; ok {
		switch kind {
		case "event":
			return types.TypeEpisodic
		case "fact":
			return types.TypeSemantic
		}
	}

	lower := " " + strings.ToLower(content)
	for _, marker := range episodicMarkers {
		if strings.Contains(lower, " "+marker) {
			return types.TypeEpisodic
		}
	}
	return types.TypeSemantic
}
