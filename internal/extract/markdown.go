package extract

import (
	"fmt"
	"strings"
)

// Markdown renders the page as a markdown document: title, source line,
// description, then the body content in document order.
func (p *Page) Markdown() string {
	var b strings.Builder
	title := p.Title
	if title == "" {
		title = p.URL
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Source: <%s>\n\n", p.URL)
	if p.Description != "" {
		fmt.Fprintf(&b, "> %s\n\n", p.Description)
	}

	inList := false
	for i, block := range p.Blocks {
		// The first h1 usually repeats the title.
		if i == 0 && block.Kind == BlockHeading && block.Level == 1 && block.Text == title {
			continue
		}
		if inList && block.Kind != BlockListItem {
			b.WriteString("\n")
			inList = false
		}
		switch block.Kind {
		case BlockHeading:
			level := min(block.Level+1, 6)
			fmt.Fprintf(&b, "%s %s\n\n", strings.Repeat("#", level), block.Text)
		case BlockListItem:
			fmt.Fprintf(&b, "- %s\n", block.Text)
			inList = true
		case BlockQuote:
			fmt.Fprintf(&b, "> %s\n\n", block.Text)
		case BlockCode:
			fmt.Fprintf(&b, "```\n%s\n```\n\n", block.Text)
		default:
			fmt.Fprintf(&b, "%s\n\n", block.Text)
		}
	}
	if inList {
		b.WriteString("\n")
	}

	if len(p.Links) > 0 {
		b.WriteString("## Links\n\n")
		for _, link := range p.Links {
			text := link.Text
			if text == "" {
				text = link.Href
			}
			fmt.Fprintf(&b, "- [%s](%s)\n", escapeBrackets(text), link.Href)
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func escapeBrackets(s string) string {
	return strings.NewReplacer("[", `\[`, "]", `\]`).Replace(s)
}
