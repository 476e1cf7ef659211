package rewrite

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"

	"browse-proxy-go/internal/model"
)

// Decompress undoes the Content-Encoding chain of body. Encodings are
// applied in listed order, so they are removed in reverse.
func Decompress(body []byte, contentEncoding string) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var r io.Reader
		var err error
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			r, err = gzip.NewReader(bytes.NewReader(body))
		case "br":
			r = brotli.NewReader(bytes.NewReader(body))
		case "deflate":
			// Servers disagree on whether deflate carries a zlib header.
			r, err = zlib.NewReader(bytes.NewReader(body))
			if err != nil {
				r, err = flate.NewReader(bytes.NewReader(body)), nil
			}
		default:
			return nil, fmt.Errorf("%w: unsupported content encoding %q", model.ErrRewriteFailure, coding)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrRewriteFailure, coding, err)
		}
		decoded, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrRewriteFailure, coding, err)
		}
		body = decoded
	}
	return body, nil
}

// ToUTF8 converts body to UTF-8. The charset comes from the Content-Type
// parameter, then a <meta> prescan, then statistical detection.
func ToUTF8(body []byte, contentType string) ([]byte, error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	// windows-1252 without certainty is the package's fallback guess.
	if !certain && name == "windows-1252" {
		if res, err := chardet.NewTextDetector().DetectBest(body); err == nil && res.Confidence >= 50 {
			if detected, detectedName := charset.Lookup(res.Charset); detected != nil {
				enc, name = detected, detectedName
			}
		}
	}
	if name == "utf-8" {
		return body, nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", model.ErrRewriteFailure, name, err)
	}
	return out, nil
}
