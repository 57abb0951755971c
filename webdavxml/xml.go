// Package webdavxml implements the multistatus XML parsing the CalDAV
// transport needs (spec §4.2): hrefs, ETags, and the CalDAV/CalendarServer/
// Apple extension properties (ctag, sync-token, calendar-home-set,
// calendar-color, current-user-principal, resourcetype, displayname).
//
// The low-level RawXMLValue/Prop/Propstat/Multistatus plumbing below is
// generalized from the WebDAV transport's own internal XML helpers: a
// deferred-decode raw XML tree lets callers pull out just the typed
// properties they need per response, tolerating servers that emit
// properties in varying order.
package webdavxml

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
)

const (
	NamespaceDAV           = "DAV:"
	NamespaceCalDAV        = "urn:ietf:params:xml:ns:caldav"
	NamespaceCalendarServer = "http://calendarserver.org/ns/"
	NamespaceAppleICal     = "http://apple.com/ns/ical/"
)

var (
	ResourceTypeName         = xml.Name{Space: NamespaceDAV, Local: "resourcetype"}
	DisplayNameName          = xml.Name{Space: NamespaceDAV, Local: "displayname"}
	GetETagName              = xml.Name{Space: NamespaceDAV, Local: "getetag"}
	GetLastModifiedName      = xml.Name{Space: NamespaceDAV, Local: "getlastmodified"}
	CurrentUserPrincipalName = xml.Name{Space: NamespaceDAV, Local: "current-user-principal"}
	SyncTokenName            = xml.Name{Space: NamespaceDAV, Local: "sync-token"}

	CalendarHomeSetName = xml.Name{Space: NamespaceCalDAV, Local: "calendar-home-set"}
	CalendarName        = xml.Name{Space: NamespaceCalDAV, Local: "calendar"}

	GetCTagName       = xml.Name{Space: NamespaceCalendarServer, Local: "getctag"}
	CalendarColorName = xml.Name{Space: NamespaceAppleICal, Local: "calendar-color"}
)

// Depth is the WebDAV Depth header value.
type Depth int

const (
	DepthZero     Depth = 0
	DepthOne      Depth = 1
	DepthInfinity Depth = -1
)

func (d Depth) String() string {
	switch d {
	case DepthZero:
		return "0"
	case DepthOne:
		return "1"
	case DepthInfinity:
		return "infinity"
	}
	panic("webdavxml: invalid depth")
}

// Href is a DAV:href element.
type Href struct {
	Path string
}

func (h *Href) UnmarshalText(b []byte) error {
	u, err := url.Parse(string(b))
	if err != nil {
		return err
	}
	h.Path = u.Path
	if h.Path == "" {
		h.Path = u.Opaque
	}
	return nil
}

func (h *Href) MarshalText() ([]byte, error) {
	return []byte(h.Path), nil
}

// RawXMLValue is a deferred-decode XML subtree, letting a Response carry
// properties in whatever order the server sent them and letting callers
// decode just the ones they care about.
type RawXMLValue struct {
	tok      xml.Token
	children []RawXMLValue
}

func (val *RawXMLValue) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	val.tok = start
	val.children = nil
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var child RawXMLValue
			if err := child.UnmarshalXML(d, t); err != nil {
				return err
			}
			val.children = append(val.children, child)
		case xml.EndElement:
			return nil
		default:
			val.children = append(val.children, RawXMLValue{tok: xml.CopyToken(tok)})
		}
	}
}

func (val *RawXMLValue) XMLName() (xml.Name, bool) {
	if start, ok := val.tok.(xml.StartElement); ok {
		return start.Name, true
	}
	return xml.Name{}, false
}

// Decode decodes this subtree into v using its own token stream.
func (val *RawXMLValue) Decode(v interface{}) error {
	return xml.NewTokenDecoder(val.tokenReader()).Decode(v)
}

func (val *RawXMLValue) tokenReader() xml.TokenReader {
	return &rawReader{val: val}
}

type rawReader struct {
	val         *RawXMLValue
	started, end bool
	child       int
	childReader xml.TokenReader
}

func (r *rawReader) Token() (xml.Token, error) {
	if r.end {
		return nil, io.EOF
	}
	start, ok := r.val.tok.(xml.StartElement)
	if !ok {
		r.end = true
		return r.val.tok, nil
	}
	if !r.started {
		r.started = true
		return start, nil
	}
	for r.child < len(r.val.children) {
		if r.childReader == nil {
			r.childReader = r.val.children[r.child].tokenReader()
		}
		tok, err := r.childReader.Token()
		if err == io.EOF {
			r.childReader = nil
			r.child++
			continue
		}
		return tok, err
	}
	r.end = true
	return start.End(), nil
}

// Text returns the character data directly inside this element.
func (val *RawXMLValue) Text() string {
	var s string
	for _, c := range val.children {
		if cd, ok := c.tok.(xml.CharData); ok {
			s += string(cd)
		}
	}
	return s
}

// Hrefs returns every DAV:href child element's path, in document order.
// Used for calendar-home-set, which some servers populate with more than
// one href (spec §4.2).
func (val *RawXMLValue) Hrefs() []string {
	var out []string
	for _, c := range val.children {
		if name, ok := c.XMLName(); ok && name == (xml.Name{Space: NamespaceDAV, Local: "href"}) {
			out = append(out, c.Text())
		}
	}
	return out
}

// ChildNames returns the XML name of every direct child element, used to
// inspect a DAV:resourcetype value without decoding it into a fixed struct.
func (val *RawXMLValue) ChildNames() []xml.Name {
	var out []xml.Name
	for _, c := range val.children {
		if n, ok := c.XMLName(); ok {
			out = append(out, n)
		}
	}
	return out
}

// Prop is a DAV:prop element holding an arbitrary set of properties.
type Prop struct {
	XMLName xml.Name      `xml:"DAV: prop"`
	Raw     []RawXMLValue `xml:",any"`
}

func (p *Prop) Get(name xml.Name) *RawXMLValue {
	for i := range p.Raw {
		raw := &p.Raw[i]
		if n, ok := raw.XMLName(); ok && n == name {
			return raw
		}
	}
	return nil
}

// Status is an HTTP status line as used in DAV:status.
type Status struct {
	Code int
}

func (s *Status) UnmarshalText(b []byte) error {
	var major int
	var rest string
	n, err := fmt.Sscanf(string(b), "HTTP/%s %d", &rest, &major)
	if err != nil || n < 2 {
		return fmt.Errorf("webdavxml: invalid status line %q", b)
	}
	s.Code = major
	return nil
}

// Propstat pairs a set of properties with the HTTP status they were
// returned under.
type Propstat struct {
	XMLName xml.Name `xml:"DAV: propstat"`
	Prop    Prop     `xml:"prop"`
	Status  Status   `xml:"status"`
}

// Response is a single DAV:response element.
type Response struct {
	XMLName   xml.Name   `xml:"DAV: response"`
	Hrefs     []Href     `xml:"href"`
	Propstats []Propstat `xml:"propstat"`
	Status    *Status    `xml:"status"`
}

// Path returns the first href's path.
func (r *Response) Path() (string, error) {
	if len(r.Hrefs) == 0 {
		return "", fmt.Errorf("webdavxml: response has no href")
	}
	return r.Hrefs[0].Path, nil
}

// Prop returns the first prop matching name across all 2xx propstats.
func (r *Response) Prop(name xml.Name) *RawXMLValue {
	for _, ps := range r.Propstats {
		if ps.Status.Code/100 != 2 {
			continue
		}
		if raw := ps.Prop.Get(name); raw != nil {
			return raw
		}
	}
	return nil
}

// ETag returns the getetag property value, unquoted, from a 200 propstat.
func (r *Response) ETag() (string, bool) {
	raw := r.Prop(GetETagName)
	if raw == nil {
		return "", false
	}
	v := raw.Text()
	return unquoteETag(v), true
}

func unquoteETag(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if unquoted, err := strconv.Unquote(v); err == nil {
			return unquoted
		}
	}
	return v
}

// Multistatus is the root of a WebDAV multistatus response body.
type Multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []Response `xml:"response"`
	SyncToken string     `xml:"sync-token"`
}

// ParseMultistatus decodes a multistatus response body. Per spec §4.2,
// malformed XML or elements in unexpected order never raise: a decode
// failure yields an empty (not nil-erroring) result.
func ParseMultistatus(r io.Reader) *Multistatus {
	var ms Multistatus
	if err := xml.NewDecoder(r).Decode(&ms); err != nil {
		return &Multistatus{}
	}
	return &ms
}

// ExtractCalendarHomeURLs returns every href inside a calendar-home-set
// property, not only the first (spec §4.2: "some servers expose several").
func ExtractCalendarHomeURLs(resp *Response) []string {
	raw := resp.Prop(CalendarHomeSetName)
	if raw == nil {
		return nil
	}
	return raw.Hrefs()
}

// NewPropfindRequest builds the XML body for a PROPFIND requesting the
// given property names.
func NewPropfindRequest(names ...xml.Name) []byte {
	var b []byte
	b = append(b, []byte(xml.Header)...)
	b = append(b, []byte(`<propfind xmlns="DAV:"><prop>`)...)
	for i, n := range names {
		if n.Space == NamespaceDAV || n.Space == "" {
			b = append(b, []byte(fmt.Sprintf("<%s/>", n.Local))...)
			continue
		}
		prefix := fmt.Sprintf("ns%d", i)
		b = append(b, []byte(fmt.Sprintf(`<%s:%s xmlns:%s="%s"/>`, prefix, n.Local, prefix, n.Space))...)
	}
	b = append(b, []byte("</prop></propfind>")...)
	return b
}

func resolveAgainst(base *url.URL, p string) *url.URL {
	if p == "" {
		return base
	}
	if p[0] == '/' {
		return &url.URL{Scheme: base.Scheme, User: base.User, Host: base.Host, Path: p}
	}
	return &url.URL{Scheme: base.Scheme, User: base.User, Host: base.Host, Path: path.Join(base.Path, p)}
}

// ResolveHref resolves a possibly-relative href returned by a server
// against a base collection URL, so that hrefs can be compared reliably
// across pull tiers (spec §4.3 "URL construction").
func ResolveHref(base *url.URL, href string) (*url.URL, error) {
	u, err := url.Parse(href)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	return resolveAgainst(base, u.Path), nil
}
