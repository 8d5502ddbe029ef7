package extract

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ErrRootNotFound reports that the extracted content subtree could not be
// re-located in the source document, even after locator relaxation.
var ErrRootNotFound = errors.New("content root not found in source document")

// Root is the extracted subtree re-located in the original document. It is
// valid only for the lifetime of one extraction call.
type Root struct {
	Selection *goquery.Selection
	Selector  string
	// Confidence is 1/candidates-before-filtering. It is advisory: the
	// matcher falls back to the first document-order candidate when
	// fingerprinting cannot fully disambiguate.
	Confidence float64
}

const (
	maxFingerprints    = 5
	minStructuralFeats = 3
	maxOtherAttrs      = 2
	minSnippetLen      = 10
	maxSnippetLen      = 100
)

// attributes never used in locators: stripped, mutated or injected too often
// to be stable between the readability copy and the source document.
var riskyAttrs = map[string]bool{
	"style": true, "href": true, "src": true, "srcset": true,
	"width": true, "height": true, "alt": true, "title": true,
}

// MatchRoot re-locates the readability-extracted node inside the source
// document. The readability pass works on a copy and discards structure
// useful for sanitization; this finds the original element so the unstripped
// markup can be sanitized instead.
//
// Invalid locator syntax is never fatal: goquery treats an uncompilable
// selector as matching nothing, which feeds the relaxation ladder.
func MatchRoot(doc *goquery.Document, extracted *html.Node) (Root, error) {
	if extracted == nil {
		return Root{}, ErrRootNotFound
	}
	node := elementOf(extracted)
	if node == nil {
		return Root{}, ErrRootNotFound
	}

	loc := locatorOf(node)
	selector := loc.full()
	candidates := doc.Find(selector)

	if candidates.Length() == 0 {
		selector, candidates = relax(doc, loc)
	}
	switch candidates.Length() {
	case 0:
		return Root{}, fmt.Errorf("locator %q: %w", selector, ErrRootNotFound)
	case 1:
		return Root{Selection: candidates, Selector: selector, Confidence: 1}, nil
	}

	before := candidates.Length()
	chosen := disambiguate(doc, candidates, node)
	return Root{
		Selection:  chosen,
		Selector:   selector,
		Confidence: 1 / float64(before),
	}, nil
}

// relax walks the locator ladder: id only, then each class individually,
// then the first data attribute.
func relax(doc *goquery.Document, loc locator) (string, *goquery.Selection) {
	if loc.id != "" {
		sel := "#" + loc.id
		if found := doc.Find(sel); found.Length() > 0 {
			return sel, found
		}
	}
	for _, class := range loc.classes {
		sel := "." + class
		if found := doc.Find(sel); found.Length() > 0 {
			return sel, found
		}
	}
	if len(loc.dataAttrs) > 0 {
		sel := attrSelector(loc.dataAttrs[0])
		if found := doc.Find(sel); found.Length() > 0 {
			return sel, found
		}
	}
	return loc.full(), doc.Find(loc.full())
}

// disambiguate narrows multiple candidates using fingerprint features sampled
// from the extracted subtree. A feature is applied only when it keeps at
// least one candidate; ties fall back to the first match in document order,
// which is assumed to correlate with primary-content position.
func disambiguate(doc *goquery.Document, candidates *goquery.Selection, extracted *html.Node) *goquery.Selection {
	nodes := candidates.Nodes
	features := fingerprints(extracted)

	for _, f := range features {
		if len(nodes) <= 1 {
			break
		}
		narrowed := applyFeature(doc, nodes, f)
		if len(narrowed) >= 1 && len(narrowed) < len(nodes) {
			nodes = narrowed
		}
	}
	return doc.FindNodes(nodes[0])
}

type fingerprint struct {
	selector string
	snippet  string
}

// fingerprints samples up to five features from the extracted subtree's
// descendants, preferring ids, then multi-class elements, then data
// attributes; short text snippets fill in when fewer than three structural
// features exist.
func fingerprints(root *html.Node) []fingerprint {
	var structural []fingerprint
	walk(root, func(n *html.Node) bool {
		if n == root || n.Type != html.ElementNode {
			return true
		}
		if len(structural) >= maxFingerprints {
			return false
		}
		if id := attrValue(n, "id"); usableValue(id) && !injectedID(id) {
			structural = append(structural, fingerprint{selector: "#" + id})
			return true
		}
		if classes := usableClasses(n); len(classes) >= 2 {
			structural = append(structural, fingerprint{selector: "." + strings.Join(classes, ".")})
			return true
		}
		for _, a := range n.Attr {
			if strings.HasPrefix(a.Key, "data-") && usableValue(a.Val) {
				structural = append(structural, fingerprint{selector: attrSelector([2]string{a.Key, a.Val})})
				break
			}
		}
		return true
	})

	features := structural
	if len(features) < minStructuralFeats {
		walk(root, func(n *html.Node) bool {
			if len(features) >= maxFingerprints {
				return false
			}
			if n.Type != html.TextNode {
				return true
			}
			text := strings.TrimSpace(n.Data)
			if len(text) >= minSnippetLen {
				if len(text) > maxSnippetLen {
					text = text[:runeBoundary(text, maxSnippetLen)]
				}
				features = append(features, fingerprint{snippet: text})
			}
			return true
		})
	}
	return features
}

// runeBoundary backs max off to the nearest rune start so truncation never
// splits a multi-byte character.
func runeBoundary(s string, max int) int {
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}

func applyFeature(doc *goquery.Document, nodes []*html.Node, f fingerprint) []*html.Node {
	var kept []*html.Node
	if f.selector != "" {
		matches := doc.Find(f.selector).Nodes
		for _, cand := range nodes {
			for _, m := range matches {
				if containsNode(cand, m) {
					kept = append(kept, cand)
					break
				}
			}
		}
		return kept
	}
	for _, cand := range nodes {
		if strings.Contains(textOf(cand), f.snippet) {
			kept = append(kept, cand)
		}
	}
	return kept
}

// locator captures the attribute evidence used to build a CSS-like selector
// for the extracted root.
type locator struct {
	tag        string
	id         string
	classes    []string
	dataAttrs  [][2]string
	otherAttrs [][2]string
}

func locatorOf(n *html.Node) locator {
	loc := locator{tag: n.Data}
	if id := attrValue(n, "id"); usableValue(id) && !injectedID(id) {
		loc.id = id
	}
	loc.classes = usableClasses(n)
	for _, a := range n.Attr {
		switch {
		case a.Key == "id" || a.Key == "class":
		case strings.HasPrefix(a.Key, "data-"):
			if usableValue(a.Val) {
				loc.dataAttrs = append(loc.dataAttrs, [2]string{a.Key, a.Val})
			}
		case riskyAttrs[a.Key] || strings.HasPrefix(a.Key, "on"):
		default:
			if len(loc.otherAttrs) < maxOtherAttrs && usableValue(a.Val) {
				loc.otherAttrs = append(loc.otherAttrs, [2]string{a.Key, a.Val})
			}
		}
	}
	return loc
}

// full renders the locator at maximum specificity.
func (l locator) full() string {
	var sb strings.Builder
	sb.WriteString(l.tag)
	if l.id != "" {
		sb.WriteString("#" + l.id)
	}
	for _, c := range l.classes {
		sb.WriteString("." + c)
	}
	for _, a := range l.dataAttrs {
		sb.WriteString(attrSelector(a))
	}
	for _, a := range l.otherAttrs {
		sb.WriteString(attrSelector(a))
	}
	return sb.String()
}

func attrSelector(kv [2]string) string {
	return fmt.Sprintf("[%s=%q]", kv[0], kv[1])
}

// usableValue excludes values whose quote characters would break the locator
// syntax, and empty values.
func usableValue(v string) bool {
	return v != "" && !strings.ContainsAny(v, `"'`)
}

// injectedID recognizes wrapper ids added by the readability pass itself.
func injectedID(id string) bool {
	return strings.HasPrefix(id, "readability-")
}

func usableClasses(n *html.Node) []string {
	var out []string
	for _, c := range strings.Fields(attrValue(n, "class")) {
		if usableValue(c) {
			out = append(out, c)
		}
	}
	return out
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// elementOf unwraps readability's injected wrapper elements down to the first
// meaningful element node.
func elementOf(n *html.Node) *html.Node {
	for n != nil {
		if n.Type == html.ElementNode {
			id := attrValue(n, "id")
			if !injectedID(id) && n.Data != "html" && n.Data != "body" {
				return n
			}
			// descend through the wrapper's single element child
			child := firstElementChild(n)
			if child == nil {
				return n
			}
			n = child
			continue
		}
		n = firstElementChild(n)
	}
	return nil
}

func firstElementChild(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

// walk visits nodes depth-first; the visitor returns false to stop.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

func containsNode(ancestor, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		return true
	})
	return sb.String()
}
