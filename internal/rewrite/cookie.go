package rewrite

import (
	"fmt"
	"strings"

	"browse-proxy-go/internal/model"
)

// CookieAttribute is one ;-delimited segment after the name/value pair.
type CookieAttribute struct {
	Name     string
	Value    string
	HasValue bool
}

// CookieDirective is one parsed Set-Cookie line. Attribute order and
// spelling are preserved so untouched segments round-trip verbatim.
type CookieDirective struct {
	Name       string
	Value      string
	Attributes []CookieAttribute
}

// ParseSetCookie splits a Set-Cookie value into its name/value pair and
// attributes.
func ParseSetCookie(line string) (*CookieDirective, error) {
	segments := strings.Split(line, ";")
	name, value, ok := strings.Cut(segments[0], "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: malformed cookie %q", model.ErrRewriteFailure, line)
	}

	d := &CookieDirective{Name: name, Value: strings.TrimSpace(value)}
	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		k, v, hasValue := strings.Cut(seg, "=")
		d.Attributes = append(d.Attributes, CookieAttribute{
			Name:     strings.TrimSpace(k),
			Value:    strings.TrimSpace(v),
			HasValue: hasValue,
		})
	}
	return d, nil
}

// String reassembles the directive as a Set-Cookie value.
func (d *CookieDirective) String() string {
	var b strings.Builder
	b.WriteString(d.Name)
	b.WriteByte('=')
	b.WriteString(d.Value)
	for _, a := range d.Attributes {
		b.WriteString("; ")
		b.WriteString(a.Name)
		if a.HasValue {
			b.WriteByte('=')
			b.WriteString(a.Value)
		}
	}
	return b.String()
}

// Rescope replaces any Domain attribute with proxyHost and any Path
// attribute with "/". Other attributes are untouched.
func (d *CookieDirective) Rescope(proxyHost string) {
	for i := range d.Attributes {
		a := &d.Attributes[i]
		switch {
		case strings.EqualFold(a.Name, "Domain"):
			a.Value, a.HasValue = proxyHost, true
		case strings.EqualFold(a.Name, "Path"):
			a.Value, a.HasValue = "/", true
		}
	}
}

// RewriteSetCookie rescopes one Set-Cookie value to the proxy host. A line
// that cannot be parsed is returned unchanged along with the error.
func RewriteSetCookie(line, proxyHost string) (string, error) {
	d, err := ParseSetCookie(line)
	if err != nil {
		return line, err
	}
	d.Rescope(proxyHost)
	return d.String(), nil
}
