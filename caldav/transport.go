package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/caldavsync/engine/syncerr"
	"github.com/caldavsync/engine/webdavxml"
)

// HTTPClient is implemented by *http.Client; a fake implementation drives
// the client's unit tests without a real socket.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// transport is the low-level request/response plumbing shared by every
// CalDAV operation, generalized from the WebDAV client's own internal
// request helper: resolve-href, build XML body, classify non-2xx
// responses into the engine's error taxonomy instead of ad-hoc errors.
type transport struct {
	http     HTTPClient
	endpoint *url.URL
	username string
	password string
	quirks   Quirks
}

func newTransport(hc HTTPClient, endpoint string, username, password string, quirks Quirks) (*transport, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav: parsing endpoint: %w", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if quirks.NormalizeHost != nil {
		u.Host = quirks.NormalizeHost(u.Host)
	}
	return &transport{http: hc, endpoint: u, username: username, password: password, quirks: quirks}, nil
}

func (t *transport) resolveHref(p string) *url.URL {
	if p == "" {
		return t.endpoint
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(t.endpoint.Path, p)
	}
	host := t.endpoint.Host
	if t.quirks.NormalizeHost != nil {
		host = t.quirks.NormalizeHost(host)
	}
	return &url.URL{Scheme: t.endpoint.Scheme, User: t.endpoint.User, Host: host, Path: p}
}

func (t *transport) newRequest(ctx context.Context, method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.resolveHref(p).String(), body)
	if err != nil {
		return nil, err
	}
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}
	return req, nil
}

func (t *transport) newXMLRequest(ctx context.Context, method, p string, body []byte) (*http.Request, error) {
	req, err := t.newRequest(ctx, method, p, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	return req, nil
}

// do issues req and classifies a non-2xx/207 response into *syncerr.Error
// using the same status-code table the rest of the engine relies on
// (spec §4.4), instead of returning a bespoke transport error type.
func (t *transport) do(req *http.Request) (*http.Response, *syncerr.Error) {
	resp, err := t.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, syncerr.New(syncerr.TimeoutCode, err)
		}
		return nil, syncerr.New(0, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()
	lr := io.LimitedReader{R: resp.Body, N: 2048}
	var buf bytes.Buffer
	io.Copy(&buf, &lr)
	msg := strings.TrimSpace(buf.String())
	if msg == "" {
		msg = resp.Status
	}
	return nil, syncerr.New(resp.StatusCode, fmt.Errorf("caldav: %s", msg))
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}

func (t *transport) doMultistatus(req *http.Request) (*webdavxml.Multistatus, *syncerr.Error) {
	resp, serr := t.do(req)
	if serr != nil {
		return nil, serr
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus {
		return &webdavxml.Multistatus{}, nil
	}
	return webdavxml.ParseMultistatus(resp.Body), nil
}

func (t *transport) propfind(ctx context.Context, p string, depth webdavxml.Depth, names ...xml.Name) (*webdavxml.Multistatus, *syncerr.Error) {
	body := webdavxml.NewPropfindRequest(names...)
	req, err := t.newXMLRequest(ctx, "PROPFIND", p, body)
	if err != nil {
		return nil, syncerr.New(0, err)
	}
	req.Header.Set("Depth", depth.String())
	return t.doMultistatus(req)
}
