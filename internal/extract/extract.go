// Package extract turns raw page HTML into clean article content. The
// pipeline runs in two stages: a readability pass finds the main content
// node on a working copy, then a root matcher re-locates that node in the
// untouched source document so the sanitizer can work on original markup
// instead of readability's stripped-down copy.
package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/jerry-f/webweaver/internal/telemetry"
)

// Extraction is the cleaned article content.
type Extraction struct {
	ContentHTML string  `json:"content_html"`
	TextLength  int     `json:"text_length"`
	Title       string  `json:"title"`
	Byline      string  `json:"byline,omitempty"`
	Excerpt     string  `json:"excerpt,omitempty"`
	Selector    string  `json:"selector"`
	Confidence  float64 `json:"confidence"`
}

type Extractor struct {
	sanitize SanitizeOptions
	logger   *zap.Logger

	match matchFunc
}

type matchFunc func(*goquery.Document, *html.Node) (Root, error)

func New(opts SanitizeOptions, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{sanitize: opts, logger: logger, match: MatchRoot}
}

// Extract runs the two-stage pipeline over rawHTML. Both stages report their
// own failure mode: an empty readability result is ErrNoContentFound, a
// content subtree that cannot be re-located in the source document is
// ErrRootNotFound. Neither is retried here; retry policy lives with the
// caller.
func (e *Extractor) Extract(rawHTML, pageURL string, mode ParseMode) (Extraction, error) {
	if !mode.Valid() {
		mode = ModeStandard
	}

	art, err := runReadability(rawHTML, pageURL, mode)
	if err != nil {
		telemetry.CountExtraction("no_content")
		return Extraction{}, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		telemetry.CountExtraction("parse_error")
		return Extraction{}, fmt.Errorf("parse source document: %w", err)
	}

	opts := e.sanitize
	if opts.BaseURL == "" {
		opts.BaseURL = pageURL
	}

	root, matchErr := e.match(doc, art.node)
	if matchErr != nil {
		if errors.Is(matchErr, ErrRootNotFound) {
			telemetry.CountExtraction("root_not_found")
			e.logger.Debug("content root not re-located in source document",
				zap.String("url", pageURL))
		} else {
			telemetry.CountExtraction("match_error")
		}
		return Extraction{}, matchErr
	}

	content, err := Sanitize(root.Selection, opts)
	if err != nil {
		telemetry.CountExtraction("sanitize_error")
		return Extraction{}, fmt.Errorf("sanitize content: %w", err)
	}
	if strings.TrimSpace(stripTags(content)) == "" {
		telemetry.CountExtraction("no_content")
		return Extraction{}, ErrNoContentFound
	}

	telemetry.CountExtraction("ok")
	return Extraction{
		ContentHTML: content,
		TextLength:  len(stripTags(content)),
		Title:       art.title,
		Byline:      art.byline,
		Excerpt:     art.excerpt,
		Selector:    root.Selector,
		Confidence:  root.Confidence,
	}, nil
}

func stripTags(h string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(h))
	if err != nil {
		return h
	}
	return doc.Text()
}
