// Package extract turns fetched HTML into the structured page record and the
// markdown rendering written for every scraped URL.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Heading is one h1-h6 element.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Link is one anchor with an absolute href.
type Link struct {
	Text string `json:"text,omitempty"`
	Href string `json:"href"`
}

// Block is one piece of body content in document order.
type Block struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	// Level is set for headings.
	Level int `json:"level,omitempty"`
}

// Block kinds.
const (
	BlockHeading   = "heading"
	BlockParagraph = "paragraph"
	BlockListItem  = "list_item"
	BlockQuote     = "quote"
	BlockCode      = "code"
)

// Page is the structured data extracted from one document.
type Page struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Language    string            `json:"language,omitempty"`
	Canonical   string            `json:"canonical,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	Headings    []Heading         `json:"headings"`
	Links       []Link            `json:"links"`
	Blocks      []Block           `json:"content"`
	WordCount   int               `json:"wordCount"`
}

const contentSelector = "h1, h2, h3, h4, h5, h6, p, li, blockquote, pre"

// Parse extracts a Page from an HTML document. pageURL resolves relative
// links; links that do not resolve to http(s) are dropped.
func Parse(body []byte, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	doc.Find("script, style, noscript, template, svg, iframe").Remove()

	page := &Page{
		URL:      pageURL,
		Title:    clean(doc.Find("head title").First().Text()),
		Language: strings.TrimSpace(doc.Find("html").AttrOr("lang", "")),
		Meta:     map[string]string{},
		Headings: []Heading{},
		Links:    []Link{},
		Blocks:   []Block{},
	}
	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		page.Canonical = resolve(base, canonical)
	}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key := strings.ToLower(s.AttrOr("name", s.AttrOr("property", "")))
		content := clean(s.AttrOr("content", ""))
		if key == "" || content == "" {
			return
		}
		page.Meta[key] = content
	})
	page.Description = page.Meta["description"]
	if page.Description == "" {
		page.Description = page.Meta["og:description"]
	}
	if page.Title == "" {
		page.Title = page.Meta["og:title"]
	}
	if len(page.Meta) == 0 {
		page.Meta = nil
	}

	root := doc.Find("body")
	if content := root.Find("main, article").First(); content.Length() > 0 {
		root = content
	}
	page.Blocks = blocks(root)
	for _, b := range page.Blocks {
		if b.Kind == BlockHeading {
			page.Headings = append(page.Headings, Heading{Level: b.Level, Text: b.Text})
		}
		page.WordCount += len(strings.Fields(b.Text))
	}
	if page.Title == "" && len(page.Headings) > 0 {
		page.Title = page.Headings[0].Text
	}

	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := resolve(base, s.AttrOr("href", ""))
		if href == "" || seen[href] {
			return
		}
		seen[href] = true
		page.Links = append(page.Links, Link{Text: clean(s.Text()), Href: href})
	})
	return page, nil
}

func blocks(root *goquery.Selection) []Block {
	out := []Block{}
	root.Find(contentSelector).Each(func(_ int, s *goquery.Selection) {
		// A paragraph inside a list item or quote is emitted by its parent.
		if s.ParentsFiltered("li, blockquote, pre").Length() > 0 {
			return
		}
		tag := goquery.NodeName(s)
		if tag == "pre" {
			if text := strings.TrimRight(s.Text(), "\n"); strings.TrimSpace(text) != "" {
				out = append(out, Block{Kind: BlockCode, Text: text})
			}
			return
		}
		text := clean(s.Text())
		if text == "" {
			return
		}
		switch tag {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			out = append(out, Block{Kind: BlockHeading, Text: text, Level: int(tag[1] - '0')})
		case "li":
			out = append(out, Block{Kind: BlockListItem, Text: text})
		case "blockquote":
			out = append(out, Block{Kind: BlockQuote, Text: text})
		default:
			out = append(out, Block{Kind: BlockParagraph, Text: text})
		}
	})
	return out
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
