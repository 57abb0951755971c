// Package caldav implements the CalDAV client operations the sync engine
// drives against an account's server: discovery, listing, the four-tier
// pull strategy's transport primitives, and the mutating operations push
// uses to create, update, delete and move events (spec §4.3, §4.4, §4.5).
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/caldavsync/engine/syncerr"
	"github.com/caldavsync/engine/webdavxml"
)

// Client drives one account's CalDAV server. It holds no mutable sync
// state of its own: every operation takes the URLs/ETags it needs and
// returns a result the caller persists.
type Client struct {
	t *transport
}

// NewClient builds a Client against endpoint, authenticating every request
// with HTTP Basic (spec §4.3: credentials are supplied by the account
// layer and never persisted by the client).
func NewClient(hc HTTPClient, endpoint, username, password string, quirks Quirks) (*Client, error) {
	t, err := newTransport(hc, endpoint, username, password, quirks)
	if err != nil {
		return nil, err
	}
	return &Client{t: t}, nil
}

// CalendarInfo describes one discovered calendar collection.
type CalendarInfo struct {
	URL   string
	Name  string
	Color string
	CTag  string
}

// RemoteObject is one calendar object resource as seen on the server.
type RemoteObject struct {
	Href   string
	ETag   string
	RawICS []byte // nil when only the ETag was requested
}

// DiscoverPrincipal resolves the current-user-principal URL (spec §4.3,
// RFC 4791 §6.1) starting from an arbitrary well-known or context path.
func (c *Client) DiscoverPrincipal(ctx context.Context, contextPath string) (string, *syncerr.Error) {
	ms, serr := c.t.propfind(ctx, contextPath, webdavxml.DepthZero, webdavxml.CurrentUserPrincipalName)
	if serr != nil {
		return "", serr
	}
	if len(ms.Responses) == 0 {
		return "", syncerr.New(0, fmt.Errorf("caldav: no response for principal discovery"))
	}
	raw := ms.Responses[0].Prop(webdavxml.CurrentUserPrincipalName)
	if raw == nil {
		return "", syncerr.New(0, fmt.Errorf("caldav: server did not return current-user-principal"))
	}
	hrefs := raw.Hrefs()
	if len(hrefs) == 0 {
		return "", syncerr.New(0, fmt.Errorf("caldav: current-user-principal has no href"))
	}
	return hrefs[0], nil
}

// DiscoverCalendarHome resolves every calendar-home-set href for principal.
// Spec §4.2 notes some servers expose more than one; the caller decides
// which to use.
func (c *Client) DiscoverCalendarHome(ctx context.Context, principal string) ([]string, *syncerr.Error) {
	ms, serr := c.t.propfind(ctx, principal, webdavxml.DepthZero, webdavxml.CalendarHomeSetName)
	if serr != nil {
		return nil, serr
	}
	if len(ms.Responses) == 0 {
		return nil, syncerr.New(0, fmt.Errorf("caldav: no response for calendar-home-set discovery"))
	}
	homes := webdavxml.ExtractCalendarHomeURLs(&ms.Responses[0])
	if len(homes) == 0 {
		return nil, syncerr.New(0, fmt.Errorf("caldav: server did not return calendar-home-set"))
	}
	return homes, nil
}

// ListCalendars enumerates the calendar collections directly under home.
func (c *Client) ListCalendars(ctx context.Context, home string) ([]CalendarInfo, *syncerr.Error) {
	ms, serr := c.t.propfind(ctx, home, webdavxml.DepthOne,
		webdavxml.ResourceTypeName, webdavxml.DisplayNameName, webdavxml.GetCTagName, webdavxml.CalendarColorName)
	if serr != nil {
		return nil, serr
	}

	var out []CalendarInfo
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		resType := resp.Prop(webdavxml.ResourceTypeName)
		if resType == nil || !isCalendarResource(resType) {
			continue
		}
		p, err := resp.Path()
		if err != nil {
			continue
		}
		info := CalendarInfo{URL: p}
		if name := resp.Prop(webdavxml.DisplayNameName); name != nil {
			info.Name = name.Text()
		}
		if ctag := resp.Prop(webdavxml.GetCTagName); ctag != nil {
			info.CTag = ctag.Text()
		}
		if color := resp.Prop(webdavxml.CalendarColorName); color != nil {
			info.Color = color.Text()
		}
		out = append(out, info)
	}
	return out, nil
}

func isCalendarResource(resType *webdavxml.RawXMLValue) bool {
	for _, n := range resType.ChildNames() {
		if n == webdavxml.CalendarName {
			return true
		}
	}
	return false
}

// GetCTag returns the current collection sync tag (spec §4.4, tier 1).
func (c *Client) GetCTag(ctx context.Context, calendarURL string) (string, *syncerr.Error) {
	ms, serr := c.t.propfind(ctx, calendarURL, webdavxml.DepthZero, webdavxml.GetCTagName)
	if serr != nil {
		return "", serr
	}
	if len(ms.Responses) == 0 {
		return "", syncerr.New(0, fmt.Errorf("caldav: no response for ctag"))
	}
	raw := ms.Responses[0].Prop(webdavxml.GetCTagName)
	if raw == nil {
		return "", syncerr.New(0, fmt.Errorf("caldav: server does not expose getctag"))
	}
	return raw.Text(), nil
}

// GetSyncToken returns the collection's current sync-token (RFC 6578),
// used to prime or validate tier-2 incremental sync.
func (c *Client) GetSyncToken(ctx context.Context, calendarURL string) (string, *syncerr.Error) {
	ms, serr := c.t.propfind(ctx, calendarURL, webdavxml.DepthZero, webdavxml.SyncTokenName)
	if serr != nil {
		return "", serr
	}
	if len(ms.Responses) == 0 {
		return "", syncerr.New(0, fmt.Errorf("caldav: no response for sync-token"))
	}
	raw := ms.Responses[0].Prop(webdavxml.SyncTokenName)
	if raw == nil {
		return "", syncerr.New(0, fmt.Errorf("caldav: server does not support sync-collection"))
	}
	return raw.Text(), nil
}

// SyncCollectionResult is the outcome of one RFC 6578 sync-collection
// REPORT: a new token, the hrefs/etags that changed, and the hrefs that
// were removed from the collection (404 in the multistatus, spec §4.4).
type SyncCollectionResult struct {
	NewToken string
	Changed  []RemoteObject
	Deleted  []string
}

// SyncCollection performs tier-2 incremental sync. A 403/410 response
// (token too old/invalid) is classified via syncerr so the caller can fall
// back to tier 3 without special-casing status codes itself.
func (c *Client) SyncCollection(ctx context.Context, calendarURL, syncToken string) (*SyncCollectionResult, *syncerr.Error) {
	body := buildSyncCollectionQuery(syncToken, []xml.Name{webdavxml.GetETagName})
	req, err := c.t.newXMLRequest(ctx, "REPORT", calendarURL, body)
	if err != nil {
		return nil, syncerr.New(0, err)
	}
	ms, serr := c.t.doMultistatus(req)
	if serr != nil {
		return nil, serr
	}

	out := &SyncCollectionResult{NewToken: ms.SyncToken}
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		p, perr := resp.Path()
		if perr != nil {
			continue
		}
		if responseDeleted(resp) {
			out.Deleted = append(out.Deleted, p)
			continue
		}
		etag, _ := resp.ETag()
		out.Changed = append(out.Changed, RemoteObject{Href: p, ETag: etag})
	}
	return out, nil
}

func responseDeleted(r *webdavxml.Response) bool {
	if r.Status != nil && r.Status.Code == http.StatusNotFound {
		return true
	}
	for _, ps := range r.Propstats {
		if ps.Status.Code == http.StatusNotFound {
			return true
		}
	}
	return false
}

func buildSyncCollectionQuery(syncToken string, props []xml.Name) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<sync-collection xmlns="DAV:"><sync-token>`)
	b.WriteString(xmlEscape(syncToken))
	b.WriteString(`</sync-token><sync-level>1</sync-level><prop>`)
	for _, n := range props {
		b.WriteString(fmt.Sprintf("<%s/>", n.Local))
	}
	b.WriteString(`</prop></sync-collection>`)
	return b.Bytes()
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// fetchChunkSize bounds a single multiget REPORT, per spec §5's memory
// budget for bulk event fetches.
const fetchChunkSize = 30

// FetchEventsByHref multigets the full calendar-data for each href,
// chunking requests at fetchChunkSize (spec §5).
func (c *Client) FetchEventsByHref(ctx context.Context, calendarURL string, hrefs []string) ([]RemoteObject, *syncerr.Error) {
	var out []RemoteObject
	for start := 0; start < len(hrefs); start += fetchChunkSize {
		end := start + fetchChunkSize
		if end > len(hrefs) {
			end = len(hrefs)
		}
		objs, serr := c.multiget(ctx, calendarURL, hrefs[start:end])
		if serr != nil {
			return nil, serr
		}
		out = append(out, objs...)
	}
	return out, nil
}

func (c *Client) multiget(ctx context.Context, calendarURL string, hrefs []string) ([]RemoteObject, *syncerr.Error) {
	body := buildMultigetQuery(hrefs)
	req, err := c.t.newXMLRequest(ctx, "REPORT", calendarURL, body)
	if err != nil {
		return nil, syncerr.New(0, err)
	}
	req.Header.Set("Depth", "1")
	ms, serr := c.t.doMultistatus(req)
	if serr != nil {
		return nil, serr
	}
	return decodeCalendarDataResponses(ms), nil
}

func buildMultigetQuery(hrefs []string) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<calendar-multiget xmlns="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">`)
	b.WriteString(`<prop><getetag/><C:calendar-data/></prop>`)
	for _, h := range hrefs {
		b.WriteString("<href>")
		b.WriteString(xmlEscape(h))
		b.WriteString("</href>")
	}
	b.WriteString(`</calendar-multiget>`)
	return b.Bytes()
}

var calendarDataName = xml.Name{Space: webdavxml.NamespaceCalDAV, Local: "calendar-data"}

func decodeCalendarDataResponses(ms *webdavxml.Multistatus) []RemoteObject {
	var out []RemoteObject
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		p, err := resp.Path()
		if err != nil {
			continue
		}
		etag, _ := resp.ETag()
		var raw []byte
		if data := resp.Prop(calendarDataName); data != nil {
			raw = []byte(data.Text())
		}
		out = append(out, RemoteObject{Href: p, ETag: etag, RawICS: raw})
	}
	return out
}

// FetchEventsInRange performs a calendar-query time-range REPORT, the
// fallback used by pull tier 3 and the initial full pull (spec §4.4).
func (c *Client) FetchEventsInRange(ctx context.Context, calendarURL string, startUTC, endUTC string) ([]RemoteObject, *syncerr.Error) {
	return c.query(ctx, calendarURL, startUTC, endUTC, true)
}

// FetchETagsInRange is the etag-only variant tier 3 uses for the
// diff-before-fetch step, avoiding downloading bodies for unchanged events.
func (c *Client) FetchETagsInRange(ctx context.Context, calendarURL string, startUTC, endUTC string) ([]RemoteObject, *syncerr.Error) {
	return c.query(ctx, calendarURL, startUTC, endUTC, false)
}

func (c *Client) query(ctx context.Context, calendarURL string, startUTC, endUTC string, withData bool) ([]RemoteObject, *syncerr.Error) {
	body := buildCalendarQuery(startUTC, endUTC, withData)
	req, err := c.t.newXMLRequest(ctx, "REPORT", calendarURL, body)
	if err != nil {
		return nil, syncerr.New(0, err)
	}
	req.Header.Set("Depth", "1")
	ms, serr := c.t.doMultistatus(req)
	if serr != nil {
		return nil, serr
	}
	return decodeCalendarDataResponses(ms), nil
}

func buildCalendarQuery(startUTC, endUTC string, withData bool) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<calendar-query xmlns="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">`)
	b.WriteString(`<prop><getetag/>`)
	if withData {
		b.WriteString(`<C:calendar-data/>`)
	}
	b.WriteString(`</prop>`)
	b.WriteString(`<C:filter><C:comp-filter name="VCALENDAR"><C:comp-filter name="VEVENT">`)
	if startUTC != "" || endUTC != "" {
		b.WriteString(fmt.Sprintf(`<C:time-range start=%q end=%q/>`, startUTC, endUTC))
	}
	b.WriteString(`</C:comp-filter></C:comp-filter></C:filter>`)
	b.WriteString(`</calendar-query>`)
	return b.Bytes()
}

// FetchEvent performs a plain GET for a single calendar object.
func (c *Client) FetchEvent(ctx context.Context, eventURL string) (*RemoteObject, *syncerr.Error) {
	req, err := c.t.newRequest(ctx, http.MethodGet, eventURL, nil)
	if err != nil {
		return nil, syncerr.New(0, err)
	}
	resp, serr := c.t.do(req)
	if serr != nil {
		return nil, serr
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.New(0, err)
	}
	return &RemoteObject{Href: eventURL, ETag: unquote(resp.Header.Get("ETag")), RawICS: raw}, nil
}

func unquote(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// CreateEvent PUTs a new calendar object with If-None-Match: * so the
// server rejects a collision instead of silently overwriting (spec §4.5).
func (c *Client) CreateEvent(ctx context.Context, calendarURL, filename string, ics []byte) (href, etag string, serr *syncerr.Error) {
	p := calendarURL
	if filename != "" {
		if len(p) == 0 || p[len(p)-1] != '/' {
			p += "/"
		}
		p += filename
	}
	req, err := c.t.newRequest(ctx, http.MethodPut, p, bytes.NewReader(ics))
	if err != nil {
		return "", "", syncerr.New(0, err)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	req.Header.Set("If-None-Match", "*")
	resp, terr := c.t.do(req)
	if terr != nil {
		return "", "", terr
	}
	defer resp.Body.Close()
	return p, unquote(resp.Header.Get("ETag")), nil
}

// UpdateEvent PUTs over an existing resource with If-Match, so a
// concurrent server-side change surfaces as a classified conflict (spec
// §4.5, §7 conflict strategies) instead of a blind overwrite.
func (c *Client) UpdateEvent(ctx context.Context, eventURL string, ics []byte, priorETag string) (newETag string, serr *syncerr.Error) {
	req, err := c.t.newRequest(ctx, http.MethodPut, eventURL, bytes.NewReader(ics))
	if err != nil {
		return "", syncerr.New(0, err)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if priorETag != "" {
		req.Header.Set("If-Match", `"`+priorETag+`"`)
	}
	resp, terr := c.t.do(req)
	if terr != nil {
		return "", terr
	}
	defer resp.Body.Close()
	return unquote(resp.Header.Get("ETag")), nil
}

// DeleteEvent removes a resource with If-Match. A 404 is reported as a
// NotFound-kind *syncerr.Error; the caller (push strategy) treats that as
// success, since the desired end state already holds (spec §4.5).
func (c *Client) DeleteEvent(ctx context.Context, eventURL string, priorETag string) *syncerr.Error {
	req, err := c.t.newRequest(ctx, http.MethodDelete, eventURL, nil)
	if err != nil {
		return syncerr.New(0, err)
	}
	if priorETag != "" {
		req.Header.Set("If-Match", `"`+priorETag+`"`)
	}
	_, terr := c.t.do(req)
	return terr
}

// MoveEvent attempts an atomic WebDAV MOVE to relocate an event into a
// different calendar collection (spec §4.5 two-phase move, phase 0). The
// caller falls back to create-then-delete when this returns a 403, 404,
// 405 or 412 error. The MOVE is attempted whatever
// Quirks().MoveReturnsPrecondition says.
func (c *Client) MoveEvent(ctx context.Context, srcURL, destURL string) (newETag string, serr *syncerr.Error) {
	req, err := c.t.newRequest(ctx, "MOVE", srcURL, nil)
	if err != nil {
		return "", syncerr.New(0, err)
	}
	destAbs := c.t.resolveHref(destURL).String()
	req.Header.Set("Destination", destAbs)
	req.Header.Set("Overwrite", "F")
	resp, terr := c.t.do(req)
	if terr != nil {
		return "", terr
	}
	defer resp.Body.Close()
	return unquote(resp.Header.Get("ETag")), nil
}

// Quirks returns the provider quirks this client was constructed with.
func (c *Client) Quirks() Quirks {
	return c.t.quirks
}

// NormalizeHref resolves href (which may be relative, or carry a
// load-balancer-rewritten host) against this client's endpoint and quirks,
// yielding the stable absolute URL pull/push store as an event's caldav_url
// (spec §4.3 "all stored URLs are normalized ... to avoid duplicate-key
// thrash").
func (c *Client) NormalizeHref(href string) string {
	return c.t.resolveHref(href).String()
}
