package rewrite

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"browse-proxy-go/internal/model"
)

// attributeRule names one element attribute that holds a single URL.
type attributeRule struct {
	selector string
	attr     string
}

// attributeRules is the fixed table of URL-bearing attributes.
var attributeRules = []attributeRule{
	{"a", "href"},
	{"link", "href"},
	{"img", "src"},
	{"script", "src"},
	{"iframe", "src"},
	{"source", "src"},
	{"video", "src"},
	{"audio", "src"},
	{"form", "action"},
}

// srcsetRules hold comma-separated candidate lists.
var srcsetRules = []attributeRule{
	{"img", "srcset"},
	{"source", "srcset"},
}

var metaRefreshPattern = regexp.MustCompile(`(?is)^\s*([0-9.]+)\s*(?:[;,]\s*(?:url\s*=\s*)?(.*))?$`)

// HTMLOptions toggles optional document changes.
type HTMLOptions struct {
	// StripIntegrity removes integrity and crossorigin attributes.
	StripIntegrity bool
	// StripCSP removes <meta http-equiv="Content-Security-Policy"> elements.
	StripCSP bool
	// Toolbar injects a fixed navigation bar at the top of <body>.
	Toolbar bool
}

// RewriteHTML parses body, routes every URL-bearing attribute through the
// proxy, pins a single <base> to the target origin and injects the client
// patch script at the top of <head>. On failure the original bytes are
// returned together with an error wrapping model.ErrRewriteFailure.
func RewriteHTML(body []byte, rc *Context, opts HTMLOptions) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return body, fmt.Errorf("%w: parse html: %v", model.ErrRewriteFailure, err)
	}

	base := documentBase(doc, rc)

	for _, rule := range attributeRules {
		doc.Find(rule.selector + "[" + rule.attr + "]").Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(rule.attr)
			if proxied, ok := rc.Rewrite(v, base); ok {
				s.SetAttr(rule.attr, proxied)
			}
		})
	}
	for _, rule := range srcsetRules {
		doc.Find(rule.selector + "[" + rule.attr + "]").Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(rule.attr)
			s.SetAttr(rule.attr, rewriteSrcset(v, base, rc))
		})
	}

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("style")
		s.SetAttr("style", RewriteCSS(v, base, rc))
	})
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		setRawText(s, RewriteCSS(s.Text(), base, rc))
	})

	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		content, _ := s.Attr("content")
		switch strings.ToLower(strings.TrimSpace(equiv)) {
		case "refresh":
			if rewritten, ok := rewriteMetaRefresh(content, base, rc); ok {
				s.SetAttr("content", rewritten)
			}
		case "content-type":
			s.SetAttr("content", "text/html; charset=utf-8")
		case "content-security-policy", "content-security-policy-report-only":
			if opts.StripCSP {
				s.Remove()
			}
		}
	})
	doc.Find("meta[charset]").SetAttr("charset", "utf-8")

	if opts.StripIntegrity {
		doc.Find("[integrity]").RemoveAttr("integrity")
		doc.Find("[crossorigin]").RemoveAttr("crossorigin")
	}

	head := doc.Find("head").First()
	if opts.Toolbar {
		doc.Find("body").First().PrependNodes(toolbarNode(rc))
	}
	head.PrependNodes(scriptNode(PatchScript(rc)))
	head.PrependNodes(pinBase(doc, rc))

	out, err := doc.Html()
	if err != nil {
		return body, fmt.Errorf("%w: render html: %v", model.ErrRewriteFailure, err)
	}
	return []byte(out), nil
}

// documentBase returns the URL relative references resolve against: an
// existing <base href> if it parses, otherwise the page URL.
func documentBase(doc *goquery.Document, rc *Context) *url.URL {
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := rc.TargetURL.Parse(strings.TrimSpace(href)); err == nil {
			return u
		}
	}
	return rc.TargetURL
}

// pinBase leaves exactly one <base> element, pointing at the target origin,
// and returns it so the caller can position it.
func pinBase(doc *goquery.Document, rc *Context) *html.Node {
	bases := doc.Find("base")
	if bases.Length() == 0 {
		n := &html.Node{Type: html.ElementNode, Data: "base", DataAtom: atom.Base}
		n.Attr = []html.Attribute{{Key: "href", Val: rc.TargetOrigin + "/"}}
		return n
	}
	bases.Slice(1, goquery.ToEnd).Remove()
	return bases.First().SetAttr("href", rc.TargetOrigin+"/").Nodes[0]
}

// setRawText replaces the children of raw-text elements such as <style>
// without HTML-escaping the content.
func setRawText(s *goquery.Selection, text string) {
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; c = n.FirstChild {
			n.RemoveChild(c)
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

func rewriteSrcset(v string, base *url.URL, rc *Context) string {
	if strings.Contains(strings.ToLower(v), "data:") {
		return v
	}
	candidates := strings.Split(v, ",")
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		if proxied, ok := rc.Rewrite(fields[0], base); ok {
			fields[0] = proxied
		}
		candidates[i] = strings.Join(fields, " ")
	}
	return strings.Join(candidates, ", ")
}

// rewriteMetaRefresh keeps the delay and proxies the embedded URL.
func rewriteMetaRefresh(content string, base *url.URL, rc *Context) (string, bool) {
	m := metaRefreshPattern.FindStringSubmatch(content)
	if m == nil || strings.TrimSpace(m[2]) == "" {
		return content, false
	}
	ref := strings.Trim(strings.TrimSpace(m[2]), `"'`)
	proxied, ok := rc.Rewrite(ref, base)
	if !ok {
		return content, false
	}
	return m[1] + "; url=" + proxied, true
}

func scriptNode(src string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: "script", DataAtom: atom.Script}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: src})
	return n
}

const toolbarStyle = "position:fixed;top:0;left:0;right:0;z-index:2147483647;" +
	"font:13px sans-serif;background:#222;color:#eee;padding:4px 8px;"

func toolbarNode(rc *Context) *html.Node {
	bar := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div, Attr: []html.Attribute{
		{Key: "id", Val: "browse-proxy-toolbar"},
		{Key: "style", Val: toolbarStyle},
	}}
	back := &html.Node{Type: html.ElementNode, Data: "a", DataAtom: atom.A, Attr: []html.Attribute{
		{Key: "href", Val: "javascript:history.back()"},
		{Key: "style", Val: "color:#8cf;margin-right:12px"},
	}}
	back.AppendChild(&html.Node{Type: html.TextNode, Data: "Back"})
	label := &html.Node{Type: html.ElementNode, Data: "span", DataAtom: atom.Span}
	label.AppendChild(&html.Node{Type: html.TextNode, Data: rc.TargetURL.Host})
	bar.AppendChild(back)
	bar.AppendChild(label)
	return bar
}
