package extract

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// ErrNoContentFound reports that the readability pass produced no usable
// article candidate.
var ErrNoContentFound = errors.New("no main content found")

// ParseMode selects the readability aggressiveness profile.
type ParseMode string

const (
	// ModeStandard uses conservative thresholds. Suits long-form articles.
	ModeStandard ParseMode = "standard"
	// ModeEnhanced widens the candidate pool and lowers the length
	// threshold. Suits short posts and pages readability misjudges.
	ModeEnhanced ParseMode = "enhanced"
)

func (m ParseMode) Valid() bool {
	return m == ModeStandard || m == ModeEnhanced
}

type article struct {
	node    *html.Node
	title   string
	byline  string
	excerpt string
	textLen int
}

// runReadability scores the document and returns the winning content node.
// Classes are kept in both modes: the root matcher needs them to re-locate
// the node in the source document.
func runReadability(rawHTML, pageURL string, mode ParseMode) (article, error) {
	base, err := url.Parse(pageURL)
	if err != nil || pageURL == "" {
		base, _ = url.Parse("about:blank")
	}

	p := readability.NewParser()
	p.KeepClasses = true
	if mode == ModeEnhanced {
		p.NTopCandidates = 10
		p.CharThresholds = 250
	}

	art, err := p.Parse(strings.NewReader(rawHTML), base)
	if err != nil {
		return article{}, fmt.Errorf("readability: %w", ErrNoContentFound)
	}
	if art.Node == nil || strings.TrimSpace(art.TextContent) == "" {
		return article{}, ErrNoContentFound
	}
	return article{
		node:    art.Node,
		title:   art.Title,
		byline:  art.Byline,
		excerpt: art.Excerpt,
		textLen: len(art.TextContent),
	}, nil
}
