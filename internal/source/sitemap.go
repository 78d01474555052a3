package source

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
)

const (
	urlLocPath     = "//urlset/url/loc"
	sitemapLocPath = "//sitemapindex/sitemap/loc"
)

// sitemapDoc is the parsed content of one sitemap or sitemap index.
type sitemapDoc struct {
	urls     []string
	children []string
}

func parseSitemap(r io.Reader) (sitemapDoc, error) {
	doc, err := xmlquery.Parse(r)
	if err != nil {
		return sitemapDoc{}, fmt.Errorf("parse sitemap: %w", err)
	}
	var out sitemapDoc
	for _, n := range xmlquery.Find(doc, urlLocPath) {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out.urls = append(out.urls, loc)
		}
	}
	for _, n := range xmlquery.Find(doc, sitemapLocPath) {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out.children = append(out.children, loc)
		}
	}
	return out, nil
}

// sitemap accepts either the URL of a sitemap (or sitemap index) or the XML
// document itself, and returns the page URLs in document order.
func (r *Resolver) sitemap(ctx context.Context, input string) ([]job.WorkItem, error) {
	input = strings.TrimSpace(input)
	var (
		locs []string
		err  error
	)
	if strings.HasPrefix(input, "<") {
		locs, err = r.inlineSitemap(ctx, input)
	} else {
		var root string
		root, err = NormalizeURL(input)
		if err != nil {
			return nil, fmt.Errorf("sitemap url: %w", err)
		}
		locs, err = r.fetchSitemaps(ctx, []string{root})
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(locs))
	items := make([]job.WorkItem, 0, len(locs))
	for _, loc := range locs {
		normalized, err := NormalizeURL(loc)
		if err != nil {
			r.logger.Warn("skipping sitemap entry", zap.String("loc", loc), zap.Error(err))
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		items = append(items, job.WorkItem{ID: normalized})
	}
	return items, nil
}

func (r *Resolver) inlineSitemap(ctx context.Context, input string) ([]string, error) {
	doc, err := parseSitemap(strings.NewReader(input))
	if err != nil {
		return nil, err
	}
	if len(doc.children) == 0 {
		return doc.urls, nil
	}
	nested, err := r.fetchSitemaps(ctx, doc.children)
	if err != nil {
		return nil, err
	}
	return append(doc.urls, nested...), nil
}

// fetchSitemaps downloads each root sitemap, following index entries up to
// MaxDepth levels. A failure on a root is fatal; failures on nested sitemaps
// are logged and skipped.
func (r *Resolver) fetchSitemaps(ctx context.Context, roots []string) ([]string, error) {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.MaxDepth(r.cfg.MaxDepth),
		colly.IgnoreRobotsTxt(),
		colly.StdlibContext(ctx),
	)
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}
	collector.SetRequestTimeout(r.cfg.Timeout)

	var (
		locs    []string
		rootErr error
	)
	collector.OnResponse(func(resp *colly.Response) {
		doc, err := parseSitemap(bytes.NewReader(resp.Body))
		if err != nil {
			if resp.Request.Depth <= 1 {
				rootErr = fmt.Errorf("%s: %w", resp.Request.URL, err)
				return
			}
			r.logger.Warn("nested sitemap unreadable", zap.String("url", resp.Request.URL.String()), zap.Error(err))
			return
		}
		locs = append(locs, doc.urls...)
		for _, child := range doc.children {
			if err := resp.Request.Visit(child); err != nil && !alreadyVisited(err) {
				r.logger.Warn("nested sitemap skipped", zap.String("url", child), zap.Error(err))
			}
		}
	})
	collector.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode != 0 {
			err = &job.StatusError{Code: resp.StatusCode, URL: resp.Request.URL.String()}
		}
		if resp == nil || resp.Request == nil || resp.Request.Depth <= 1 {
			if rootErr == nil {
				rootErr = err
			}
			return
		}
		r.logger.Warn("nested sitemap failed", zap.String("url", resp.Request.URL.String()), zap.Error(err))
	})

	done := make(chan error, 1)
	go func() {
		for _, root := range roots {
			err := collector.Visit(root)
			if rootErr != nil {
				done <- fmt.Errorf("fetch sitemap: %w", rootErr)
				return
			}
			if err != nil && !alreadyVisited(err) {
				done <- fmt.Errorf("visit sitemap %s: %w", root, err)
				return
			}
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sitemap fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return locs, nil
	}
}

func alreadyVisited(err error) bool {
	var visited *colly.AlreadyVisitedError
	return errors.As(err, &visited)
}

type urlset struct {
	XMLName xml.Name   `xml:"urlset"`
	XMLNS   string     `xml:"xmlns,attr"`
	URLs    []urlEntry `xml:"url"`
}

type urlEntry struct {
	Loc string `xml:"loc"`
}

// SitemapXML renders ids as a sitemaps.org urlset document.
func SitemapXML(ids []string) (string, error) {
	set := urlset{XMLNS: "http://www.sitemaps.org/schemas/sitemap/0.9"}
	for _, id := range ids {
		set.URLs = append(set.URLs, urlEntry{Loc: id})
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(set); err != nil {
		return "", fmt.Errorf("encode sitemap: %w", err)
	}
	buf.WriteByte('\n')
	return buf.String(), nil
}
