package rewrite

import (
	"net/url"
	"regexp"
)

var (
	cssURLPattern    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^'"\)\s][^\)\s]*))\s*\)`)
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+(["'])([^"']+)(["'])`)
)

// RewriteCSS rewrites url(...) references and @import "..." strings in css.
// References resolve against base, or the context's target when base is nil.
// An occurrence that cannot be resolved is left as written.
func RewriteCSS(css string, base *url.URL, rc *Context) string {
	out := cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		m := cssURLPattern.FindStringSubmatch(match)
		ref, quote := m[3], ""
		switch {
		case m[1] != "":
			ref, quote = m[1], `"`
		case m[2] != "":
			ref, quote = m[2], `'`
		}
		proxied, ok := rc.Rewrite(ref, base)
		if !ok {
			return match
		}
		return "url(" + quote + proxied + quote + ")"
	})

	return cssImportPattern.ReplaceAllStringFunc(out, func(match string) string {
		m := cssImportPattern.FindStringSubmatch(match)
		proxied, ok := rc.Rewrite(m[2], base)
		if !ok {
			return match
		}
		return "@import " + m[1] + proxied + m[3]
	})
}
