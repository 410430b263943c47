package publisher

import (
	"strings"

	"github.com/ifuryst/postflow/internal/models"
)

const defaultCaptionHeader = "📢 NOW HIRING 📢"

// CaptionBuilder turns a content item into the text posted with it.
type CaptionBuilder struct {
	Header   string
	Hashtags []string
}

func (b CaptionBuilder) Build(item *models.ContentItem) string {
	header := b.Header
	if header == "" {
		header = defaultCaptionHeader
	}

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n\n")
	sb.WriteString("🔷 Position: " + item.Title + "\n")
	if item.Location != "" {
		sb.WriteString("📍 Location: " + item.Location + "\n")
	}

	var reqs []string
	for _, line := range strings.Split(item.Requirements, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			reqs = append(reqs, line)
		}
	}
	if len(reqs) > 0 {
		sb.WriteString("\n📋 Requirements:\n")
		for _, r := range reqs {
			sb.WriteString("✓ " + r + "\n")
		}
	}

	if item.Email != "" {
		sb.WriteString("\n📧 Apply: " + item.Email + "\n")
	}

	if tags := b.hashtags(item); len(tags) > 0 {
		sb.WriteString("\n")
		sb.WriteString(strings.Join(tags, " "))
	}

	return strings.TrimRight(sb.String(), "\n")
}

// hashtags returns the configured tags, the item's own tags and tags derived
// from title and location, deduplicated case-insensitively in that order.
func (b CaptionBuilder) hashtags(item *models.ContentItem) []string {
	candidates := make([]string, 0, len(b.Hashtags)+len(item.Hashtags)+2)
	candidates = append(candidates, b.Hashtags...)
	candidates = append(candidates, item.Hashtags...)
	candidates = append(candidates, item.Title, item.Location)

	seen := make(map[string]bool, len(candidates))
	var tags []string
	for _, c := range candidates {
		tag := toHashtag(c)
		if tag == "" || seen[strings.ToLower(tag)] {
			continue
		}
		seen[strings.ToLower(tag)] = true
		tags = append(tags, tag)
	}
	return tags
}

func toHashtag(s string) string {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimLeft(s, "#")
	if s == "" {
		return ""
	}
	return "#" + s
}
