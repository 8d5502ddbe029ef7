package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// SanitizeOptions controls content cleanup. The zero value is not useful;
// start from DefaultSanitizeOptions.
type SanitizeOptions struct {
	// BaseURL resolves relative href/src values. Empty leaves them as-is.
	BaseURL string
	// RemoveSelectors are dropped outright before any structural rewrite.
	RemoveSelectors []string
	// AllowedAttrs lists the attributes kept per tag, on top of GlobalAttrs.
	AllowedAttrs map[string][]string
	// GlobalAttrs are kept on every element.
	GlobalAttrs []string
	// MinSpanParagraphLen is the text length above which an only-child span
	// is promoted to a paragraph.
	MinSpanParagraphLen int
}

// DefaultSanitizeOptions returns the cleanup profile for article content:
// interactive chrome removed, presentational attributes stripped, media and
// link targets kept.
func DefaultSanitizeOptions() SanitizeOptions {
	return SanitizeOptions{
		RemoveSelectors: []string{
			"script", "style", "noscript", "template", "iframe", "svg",
			"form", "input", "select", "textarea", "button",
			"nav", "aside", "footer",
			"[hidden]", `[aria-hidden="true"]`,
			`[role="tooltip"]`, `[role="navigation"]`, `[role="banner"]`,
			".tooltip", ".advertisement", ".share-buttons",
		},
		AllowedAttrs: map[string][]string{
			"a":          {"href", "title"},
			"img":        {"src", "srcset", "alt", "title"},
			"blockquote": {"cite"},
			"td":         {"colspan", "rowspan"},
			"th":         {"colspan", "rowspan"},
			"ol":         {"start"},
		},
		GlobalAttrs:         nil,
		MinSpanParagraphLen: 40,
	}
}

const maxCleanupPasses = 3

var lazySrcAttrs = []string{"data-src", "data-original", "data-lazy-src", "data-actualsrc"}
var lazySrcsetAttrs = []string{"data-srcset", "data-lazy-srcset"}

// Sanitize cleans the selection's subtree and renders it as pretty-printed
// HTML. The input selection is not mutated. Sanitizing already-sanitized
// output is a no-op.
func Sanitize(sel *goquery.Selection, opts SanitizeOptions) (string, error) {
	work := sel.Clone()

	for _, s := range opts.RemoveSelectors {
		work.Find(s).Remove()
		work.Filter(s).Remove()
	}

	collapseTabPanels(work)
	simplifyCardLinks(work)
	promoteSpanParagraphs(work, opts.MinSpanParagraphLen)
	flattenCodeBlocks(work)
	resolveLazyImages(work)

	var base *url.URL
	if opts.BaseURL != "" {
		base, _ = url.Parse(opts.BaseURL)
	}

	for _, n := range work.Nodes {
		filterAttrs(n, opts, base)
	}

	for pass := 0; pass < maxCleanupPasses; pass++ {
		changed := removeEmpties(work)
		if flattenWrappers(work) {
			changed = true
		}
		if !changed {
			break
		}
	}

	var sb strings.Builder
	var renderErr error
	work.Each(func(_ int, s *goquery.Selection) {
		h, err := goquery.OuterHtml(s)
		if err != nil {
			renderErr = err
			return
		}
		sb.WriteString(h)
	})
	if renderErr != nil {
		return "", renderErr
	}
	return prettyPrint(sb.String()), nil
}

// collapseTabPanels keeps one panel per tab group. Hidden panels are usually
// gone already via the removal selectors; this handles groups that mark the
// inactive panels with classes instead.
func collapseTabPanels(work *goquery.Selection) {
	seen := map[*html.Node]bool{}
	work.Find(`[role="tabpanel"]`).Each(func(_ int, panel *goquery.Selection) {
		parent := panel.Parent()
		if len(parent.Nodes) == 0 {
			return
		}
		p := parent.Nodes[0]
		if seen[p] {
			return
		}
		seen[p] = true
		group := parent.ChildrenFiltered(`[role="tabpanel"]`)
		if group.Length() <= 1 {
			return
		}
		active := group.Filter(".active, .is-active, [aria-expanded=\"true\"]")
		keep := active.First()
		if keep.Length() == 0 {
			keep = group.First()
		}
		group.Each(func(_ int, s *goquery.Selection) {
			if s.Nodes[0] != keep.Nodes[0] {
				s.Remove()
			}
		})
	})
}

// simplifyCardLinks reduces teaser-card anchors (a heading plus description
// wrapped in one link) to a plain link carrying the heading text.
func simplifyCardLinks(work *goquery.Selection) {
	work.Find("a").Each(func(_ int, a *goquery.Selection) {
		heading := a.Find("h1, h2, h3, h4, h5, h6").First()
		if heading.Length() == 0 {
			return
		}
		if a.Find("p, div").Length() == 0 {
			return
		}
		a.SetText(strings.TrimSpace(heading.Text()))
	})
}

// promoteSpanParagraphs turns spans used as paragraphs (sole child of a
// container, paragraph-length text) into real p elements.
func promoteSpanParagraphs(work *goquery.Selection, minLen int) {
	if minLen <= 0 {
		minLen = 40
	}
	work.Find("span").Each(func(_ int, span *goquery.Selection) {
		n := span.Nodes[0]
		if n.Parent == nil || soleElementChild(n.Parent) != n {
			return
		}
		if len(strings.TrimSpace(span.Text())) < minLen {
			return
		}
		n.Data = "p"
	})
}

// flattenCodeBlocks collapses syntax-highlighter markup inside pre elements
// to the plain code text.
func flattenCodeBlocks(work *goquery.Selection) {
	work.Find("pre").Each(func(_ int, pre *goquery.Selection) {
		if pre.Find("div, span").Length() == 0 {
			return
		}
		text := pre.Text()
		code := &html.Node{Type: html.ElementNode, Data: "code"}
		code.AppendChild(&html.Node{Type: html.TextNode, Data: text})
		n := pre.Nodes[0]
		for n.FirstChild != nil {
			n.RemoveChild(n.FirstChild)
		}
		n.AppendChild(code)
	})
}

// resolveLazyImages copies deferred-loading data attributes into src/srcset
// when the real source is missing or a placeholder.
func resolveLazyImages(work *goquery.Selection) {
	work.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		if src == "" || strings.HasPrefix(src, "data:") {
			for _, key := range lazySrcAttrs {
				if v, ok := img.Attr(key); ok && v != "" {
					img.SetAttr("src", v)
					break
				}
			}
		}
		if _, ok := img.Attr("srcset"); !ok {
			for _, key := range lazySrcsetAttrs {
				if v, ok := img.Attr(key); ok && v != "" {
					img.SetAttr("srcset", v)
					break
				}
			}
		}
	})
}

// filterAttrs strips every attribute not on the allow-list and resolves
// relative link and image targets against base.
func filterAttrs(root *html.Node, opts SanitizeOptions, base *url.URL) {
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		allowed := map[string]bool{}
		for _, a := range opts.GlobalAttrs {
			allowed[a] = true
		}
		for _, a := range opts.AllowedAttrs[n.Data] {
			allowed[a] = true
		}
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			if !allowed[a.Key] {
				continue
			}
			if base != nil && (a.Key == "href" || a.Key == "src") {
				if ref, err := url.Parse(a.Val); err == nil {
					a.Val = base.ResolveReference(ref).String()
				}
			}
			kept = append(kept, a)
		}
		n.Attr = kept
		return true
	})
}

var mediaTags = map[string]bool{
	"img": true, "picture": true, "video": true, "audio": true,
	"br": true, "hr": true, "table": true, "embed": true, "object": true,
}

// removeEmpties drops containers with no text and no media descendants.
func removeEmpties(work *goquery.Selection) bool {
	changed := false
	for _, root := range work.Nodes {
		var empties []*html.Node
		walk(root, func(n *html.Node) bool {
			if n == root || n.Type != html.ElementNode {
				return true
			}
			switch n.Data {
			case "div", "span", "p", "section", "article", "ul", "ol", "li", "figure":
				if isEmptySubtree(n) {
					empties = append(empties, n)
					return true
				}
			}
			return true
		})
		for _, n := range empties {
			if n.Parent != nil {
				n.Parent.RemoveChild(n)
				changed = true
			}
		}
	}
	return changed
}

func isEmptySubtree(n *html.Node) bool {
	empty := true
	walk(n, func(c *html.Node) bool {
		switch {
		case c.Type == html.TextNode && strings.TrimSpace(c.Data) != "":
			empty = false
		case c.Type == html.ElementNode && mediaTags[c.Data]:
			empty = false
		}
		return empty
	})
	return empty
}

// flattenWrappers replaces anonymous single-child divs with their child.
// Divs carrying an id are kept: they may be link anchors.
func flattenWrappers(work *goquery.Selection) bool {
	changed := false
	for _, root := range work.Nodes {
		var wrappers []*html.Node
		walk(root, func(n *html.Node) bool {
			if n == root || n.Type != html.ElementNode || n.Data != "div" {
				return true
			}
			if attrValue(n, "id") != "" {
				return true
			}
			if child := soleElementChild(n); child != nil {
				wrappers = append(wrappers, n)
			}
			return true
		})
		for _, n := range wrappers {
			child := soleElementChild(n)
			if child == nil || n.Parent == nil {
				continue
			}
			n.RemoveChild(child)
			n.Parent.InsertBefore(child, n)
			n.Parent.RemoveChild(n)
			changed = true
		}
	}
	return changed
}

// soleElementChild returns the single element child when every other child
// is whitespace, nil otherwise.
func soleElementChild(n *html.Node) *html.Node {
	var elem *html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			if elem != nil {
				return nil
			}
			elem = c
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return nil
			}
		}
	}
	return elem
}

var blockTags = []string{
	"p", "div", "section", "article", "ul", "ol", "li", "figure",
	"figcaption", "blockquote", "pre", "table", "tr", "thead", "tbody",
	"h1", "h2", "h3", "h4", "h5", "h6",
}

var (
	openTagRe  = regexp.MustCompile(`<(` + strings.Join(blockTags, "|") + `)(\s|>)`)
	closeTagRe = regexp.MustCompile(`</(` + strings.Join(blockTags, "|") + `)>`)
	multiNLRe  = regexp.MustCompile(`\n+`)
)

// prettyPrint inserts line breaks around block elements. Collapsing runs of
// newlines afterwards makes the formatting idempotent.
func prettyPrint(h string) string {
	h = openTagRe.ReplaceAllString(h, "\n<$1$2")
	h = closeTagRe.ReplaceAllString(h, "</$1>\n")
	h = multiNLRe.ReplaceAllString(h, "\n")
	return strings.TrimSpace(h)
}
