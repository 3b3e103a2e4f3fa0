package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWebFetchMaxURLs  = 3
	defaultWebFetchTimeout  = 15 * time.Second
	defaultWebFetchMaxBytes = 2 << 20
	webFetchConcurrency     = 3
	webFetchUserAgent       = "bindery-indexer/1.0"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// WebFetchConfig bounds the fetch step. Zero values take the defaults above;
// Client is swapped out in tests.
type WebFetchConfig struct {
	Client   *http.Client
	MaxURLs  int
	Timeout  time.Duration
	MaxBytes int64
}

// WebFetch resolves URLs found in the bag into web_page entries. Fetches are
// best effort: a dead link is logged and skipped so one bad URL cannot hold
// the document's indexing hostage. URLs inside fetched pages are not followed.
type WebFetch struct {
	client   *http.Client
	maxURLs  int
	maxBytes int64
}

// NewWebFetch builds the fetch step.
func NewWebFetch(cfg WebFetchConfig) *WebFetch {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebFetchTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	w := &WebFetch{
		client:   client,
		maxURLs:  cfg.MaxURLs,
		maxBytes: cfg.MaxBytes,
	}
	if w.maxURLs <= 0 {
		w.maxURLs = defaultWebFetchMaxURLs
	}
	if w.maxBytes <= 0 {
		w.maxBytes = defaultWebFetchMaxBytes
	}
	return w
}

// Name implements Processor.
func (*WebFetch) Name() string { return "web_fetch" }

// Process implements Processor.
func (w *WebFetch) Process(ctx context.Context, bag *Bag) error {
	urls := w.collectURLs(bag)
	if len(urls) == 0 {
		return nil
	}

	pages := make([]*Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(webFetchConcurrency)
	for i, pageURL := range urls {
		i, pageURL := i, pageURL
		g.Go(func() error {
			entry, err := w.fetch(gctx, pageURL)
			if err != nil {
				log.Warn().Err(err).Str("url", pageURL).Msg("Web fetch failed, skipping")
				return nil
			}
			pages[i] = entry
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	fetched := 0
	for _, e := range pages {
		if e == nil {
			continue
		}
		bag.Add(*e)
		fetched++
	}
	if fetched > 0 {
		bag.Tags["web_fetch.pages"] = strconv.Itoa(fetched)
	}
	return nil
}

// collectURLs gathers explicit url parts first, then URLs embedded in body
// text, deduplicated and capped.
func (w *WebFetch) collectURLs(bag *Bag) []string {
	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		u = strings.TrimRight(u, ".,;:!?")
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return
		}
		if _, dup := seen[u]; dup || len(urls) >= w.maxURLs {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	for _, e := range bag.ByKind(KindURL) {
		add(e.MetaString("uri"))
	}
	for _, e := range bag.Entries() {
		if e.Kind != KindBody && e.Kind != KindPDFText {
			continue
		}
		for _, m := range urlPattern.FindAllString(e.Text, -1) {
			add(m)
		}
	}
	return urls
}

func (w *WebFetch) fetch(ctx context.Context, pageURL string) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", webFetchUserAgent)
	req.Header.Set("Accept", "text/html, text/plain")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text/plain") {
		return nil, fmt.Errorf("fetch %s: unsupported content type %q", pageURL, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}

	var title, text string
	if strings.Contains(contentType, "text/plain") {
		text = string(body)
	} else {
		title, text = parseHTML(body)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("fetch %s: no text content", pageURL)
	}

	meta := map[string]any{"url": pageURL}
	if title != "" {
		meta["title"] = title
	}
	return &Entry{Kind: KindWebPage, Text: text, Meta: meta}, nil
}

var (
	multiNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
)

// parseHTML extracts the page title and visible text. Script, style and
// noscript subtrees are dropped; block elements become line breaks so the
// chunker still sees paragraph structure.
func parseHTML(body []byte) (string, string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", ""
	}

	var title string
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" {
					title = strings.TrimSpace(nodeText(n))
				}
				return
			case "script", "style", "noscript", "iframe":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlockTag(n.Data) {
			sb.WriteByte('\n')
		}
	}
	walk(doc)

	text := multiSpace.ReplaceAllString(sb.String(), " ")
	text = multiNewline.ReplaceAllString(text, "\n\n")
	return title, text
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		} else {
			sb.WriteString(nodeText(c))
		}
	}
	return sb.String()
}

func isBlockTag(tag string) bool {
	switch tag {
	case "p", "div", "br", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "tr", "blockquote", "pre", "section", "article":
		return true
	}
	return false
}
