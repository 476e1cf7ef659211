package rewrite

import (
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Kind is the rewriting strategy chosen for a response body.
type Kind int

const (
	// KindBinary bodies stream through untouched.
	KindBinary Kind = iota
	// KindHTML bodies are buffered and rewritten as documents.
	KindHTML
	// KindCSS bodies are buffered and rewritten as stylesheets.
	KindCSS
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindCSS:
		return "css"
	default:
		return "binary"
	}
}

// Classify picks the Kind for a response. When contentType is empty it falls
// back to the extension of urlPath, then to sniffing peek. The effective
// content type is returned so callers can send it outward.
func Classify(contentType, urlPath string, peek []byte) (Kind, string) {
	if strings.TrimSpace(contentType) == "" {
		contentType = mime.TypeByExtension(strings.ToLower(path.Ext(urlPath)))
	}
	if contentType == "" && len(peek) > 0 {
		contentType = mimetype.Detect(peek).String()
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return KindHTML, contentType
	case "text/css":
		return KindCSS, contentType
	default:
		return KindBinary, contentType
	}
}
