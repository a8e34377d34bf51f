package research

import (
	"encoding/json"
	"regexp"
	"strings"
)

// GraphMetadata is the optional structured block a synthesis model can
// append to its answer; when present, its entities and relations are
// upserted into the knowledge graph.
type GraphMetadata struct {
	Entities  []GraphEntity   `json:"entities"`
	Relations []GraphRelation `json:"relations"`
}

// GraphEntity is one extracted node.
type GraphEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// GraphRelation is one extracted edge, referencing entities by name.
type GraphRelation struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Relation   string  `json:"relation"`
	Weight     float64 `json:"weight,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ExtractGraphMetadata scans report content for a fenced JSON block
// carrying entity/relation metadata. Absent or malformed blocks return
// nil; extraction never fails a job.
func ExtractGraphMetadata(content string) *GraphMetadata {
	for _, block := range fencedBlocks(content) {
		if !strings.Contains(block, `"entities"`) {
			continue
		}
		var meta GraphMetadata
		if err := json.Unmarshal([]byte(block), &meta); err != nil {
			continue
		}
		if len(meta.Entities) == 0 {
			continue
		}
		return &meta
	}
	return nil
}

// fencedBlocks returns the contents of ``` fenced code blocks, with an
// optional language tag stripped.
func fencedBlocks(content string) []string {
	var blocks []string
	rest := content
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return blocks
		}
		rest = rest[start+3:]
		end := strings.Index(rest, "```")
		if end < 0 {
			return blocks
		}
		block := rest[:end]
		rest = rest[end+3:]

		if nl := strings.Index(block, "\n"); nl >= 0 {
			block = block[nl+1:]
		}
		blocks = append(blocks, strings.TrimSpace(block))
	}
}

var sourceURLPattern = regexp.MustCompile(`https?://[^\s)\]>"'` + "`" + `]+`)

// ExtractSources returns the URLs cited in content, deduplicated, in
// order of first appearance. Trailing sentence punctuation is stripped.
func ExtractSources(content string) []string {
	matches := sourceURLPattern.FindAllString(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var urls []string
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?")
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		urls = append(urls, m)
	}
	return urls
}

// StripGraphMetadata removes the metadata block from content before
// persisting, leaving the prose report only.
func StripGraphMetadata(content string) string {
	idx := strings.Index(content, "```")
	for idx >= 0 {
		end := strings.Index(content[idx+3:], "```")
		if end < 0 {
			break
		}
		block := content[idx+3 : idx+3+end]
		if strings.Contains(block, `"entities"`) {
			return strings.TrimSpace(content[:idx] + content[idx+3+end+3:])
		}
		next := strings.Index(content[idx+3+end+3:], "```")
		if next < 0 {
			break
		}
		idx = idx + 3 + end + 3 + next
	}
	return content
}
