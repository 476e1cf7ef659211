package rewrite

import (
	_ "embed"
	"strings"
	"text/template"
)

//go:embed patch.js.tmpl
var patchSource string

var patchTemplate = template.Must(template.New("patch").Parse(patchSource))

// PatchScript renders the browser-side snippet that routes fetch,
// XMLHttpRequest and WebSocket calls through the proxy. The script is opaque
// to the server; only the prefixes are substituted.
func PatchScript(rc *Context) string {
	var b strings.Builder
	// The template is fixed and its only inputs are strings, so Execute
	// cannot fail.
	_ = patchTemplate.Execute(&b, rc)
	return b.String()
}
