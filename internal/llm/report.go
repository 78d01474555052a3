package llm

import (
	"fmt"
	"strings"
)

// Report renders the markdown analysis report.
func (s Summary) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Business Model Analysis: %s\n\n", s.Source)
	if s.Features.Title != "" {
		fmt.Fprintf(&b, "Document: %s\n\n", s.Features.Title)
	}
	fmt.Fprintf(&b, "Model: %s/%s. Generated %s.\n\n", s.Provider, s.Model, s.GeneratedAt.Format("2006-01-02 15:04 MST"))

	b.WriteString("## Summary\n\n")
	b.WriteString(s.Analysis.Summary)
	b.WriteString("\n\n")
	if s.Analysis.ValueProposition != "" {
		b.WriteString("## Value Proposition\n\n")
		b.WriteString(s.Analysis.ValueProposition)
		b.WriteString("\n\n")
	}

	sections := []struct {
		title string
		items []string
	}{
		{"Customer Segments", s.Analysis.CustomerSegments},
		{"Revenue Streams", s.Analysis.RevenueStreams},
		{"Key Activities", s.Analysis.KeyActivities},
		{"Key Resources", s.Analysis.KeyResources},
		{"Channels", s.Analysis.Channels},
		{"Risks", s.Analysis.Risks},
		{"Opportunities", s.Analysis.Opportunities},
	}
	for _, section := range sections {
		if len(section.items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", section.title)
		for _, item := range section.items {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(item))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Document Features\n\n")
	fmt.Fprintf(&b, "- Words: %d\n", s.Features.WordCount)
	fmt.Fprintf(&b, "- Sections: %d\n", len(s.Features.Sections))
	fmt.Fprintf(&b, "- Links: %d\n", s.Features.Links)
	if s.Features.Truncated {
		b.WriteString("- Input was truncated before inference\n")
	}
	return b.String()
}
