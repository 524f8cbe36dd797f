package llm

import (
	"fmt"
	"strings"
)

const consolidationSystem = `You are a memory consolidation system. You merge clusters of redundant memories into one memory, carefully and conservatively. When in doubt, do not merge.`

const approvalSystem = `You are a verification gate. Answer only "yes" or "no".`

const refinementSystem = `You are a memory refinement system. You restructure overly verbose memories without losing information. When in doubt, do nothing.`

const entitySystem = `You extract named real-world referents from text. Return only JSON.`

const extractionSystem = `You are a memory extraction system. You distill conversational content into discrete, persistent units of knowledge. Return only JSON.`

const classificationSystem = `You classify the relationship between pairs of memories. Most pairs have no meaningful relationship. Return only JSON.`

// ConsolidationPrompt builds the first-pass judgment prompt for a cluster.
func ConsolidationPrompt(texts []string) string {
	var sb strings.Builder
	sb.WriteString("These memories were clustered as potentially redundant:\n\n")
	for i, t := range texts {
		fmt.Fprintf(&sb, "MEMORY %d:\n%s\n\n", i+1, t)
	}
	sb.WriteString(`Decide whether they genuinely describe the same knowledge and should become one memory.

Rules:
- Merge only when the memories are substantially redundant
- The consolidated text must preserve every distinct fact
- Superficial topic overlap is NOT redundancy

Return ONLY JSON:
{"should_consolidate": true|false, "consolidated_text": "...", "rationale": "..."}`)
	return sb.String()
}

// ApprovalPrompt builds the second-pass yes/no gate prompt.
func ApprovalPrompt(consolidated string, texts []string) string {
	var sb strings.Builder
	sb.WriteString("A merge of these memories has been proposed:\n\n")
	for i, t := range texts {
		fmt.Fprintf(&sb, "SOURCE %d:\n%s\n\n", i+1, t)
	}
	fmt.Fprintf(&sb, "PROPOSED MERGED TEXT:\n%s\n\n", consolidated)
	sb.WriteString(`Does the merged text preserve all distinct facts from every source, and are the sources genuinely redundant? Answer only "yes" or "no".`)
	return sb.String()
}

// RefinementPrompt builds the trim/split/do_nothing decision prompt.
func RefinementPrompt(content string) string {
	return fmt.Sprintf(`This memory has been flagged as overly verbose:

%s

Choose one action:
- "trim": produce ONE more concise version preserving all facts
- "split": produce TWO OR MORE focused memories, each covering a distinct aspect
- "do_nothing": the memory is fine as is

Return ONLY JSON:
{"action": "trim|split|do_nothing", "texts": ["..."], "rationale": "..."}`, content)
}

// EntityPrompt builds the entity extraction prompt.
func EntityPrompt(text string) string {
	return fmt.Sprintf(`Extract named real-world referents (people, organizations, places, products, projects) from this text:

%s

Skip generic nouns. Return ONLY a JSON array:
[{"name": "...", "type": "person|organization|place|product|project|other"}]

If none, return: []`, text)
}

// ExtractionPrompt builds the batch prompt that turns one chunk of a
// closed conversation segment into memory candidates. Pinned context is
// carried along for continuity.
func ExtractionPrompt(chunk, pinnedContext string) string {
	ctx := "No pinned memories for this conversation."
	if pinnedContext != "" {
		ctx = "CURRENTLY PINNED MEMORIES:\n" + pinnedContext
	}
	return fmt.Sprintf(`Extract discrete units of persistent knowledge from this conversation segment.

%s

SEGMENT:
%s

Rules:
- Only extract knowledge worth remembering beyond this conversation
- One fact or preference per memory
- confidence reflects how clearly the segment supports the memory (0.0-1.0)
- related_hints names other extracted memories this one explicitly co-refers with, by index

Return ONLY a JSON array:
[{"content": "...", "confidence": 0.9, "related_hints": [1]}]

If nothing worth extracting, return: []`, ctx, chunk)
}

// ClassificationPrompt builds the batch prompt that classifies the
// relationship between a new memory and one candidate.
func ClassificationPrompt(newText, candidateText string) string {
	return fmt.Sprintf(`Classify the relationship between a NEW memory and an EXISTING memory.

NEW:
%s

EXISTING:
%s

Types:
- "null": no meaningful relationship (the default — use it freely)
- "supersedes": the new memory makes the existing one temporally outdated
- "conflicts": they contradict without superseding
- "causes": the new describes a cause of the existing
- "instance_of": the new is a specific instance of the existing generality
- "invalidated_by": the new is invalidated by the existing
- "motivated_by": the new is motivated by the existing

Sparse high-confidence links beat dense low-confidence noise.

Return ONLY JSON:
{"type": "null|supersedes|conflicts|causes|instance_of|invalidated_by|motivated_by", "confidence": 0.9, "rationale": "..."}`, newText, candidateText)
}

// Systems used by the batch pipeline when building batch requests.
const (
	ExtractionSystem     = extractionSystem
	ClassificationSystem = classificationSystem
)
