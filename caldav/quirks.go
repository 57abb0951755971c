package caldav

import (
	"context"
	"net/http"
	"strings"
)

// Quirks is the provider capability record spec §9 "Dynamic dispatch"
// describes: the client is polymorphic over provider quirks through this
// record supplied at construction, while the pull/push strategies stay
// oblivious to which provider they're talking to.
type Quirks struct {
	// Name identifies the quirks set, for logging only.
	Name string

	// NormalizeHost rewrites a resolved URL's host before it is stored or
	// compared, so that e.g. iCloud's CDN-rewritten hrefs don't cause
	// duplicate-key thrash (spec §4.3).
	NormalizeHost func(host string) string

	// MoveReturnsPrecondition is true for servers (iCloud) that answer a
	// WebDAV MOVE with 412 instead of implementing it, forcing the
	// two-phase fallback (spec §4.5).
	MoveReturnsPrecondition bool

	// CollectionPathPrefix records a server's fixed mount point (Baikal's
	// "/dav.php/"). The client does not read it: discovery and URL
	// resolution do not prepend it.
	CollectionPathPrefix string
}

// GenericQuirks is the default, used for Nextcloud/SOGo/unknown servers.
func GenericQuirks() Quirks {
	return Quirks{
		Name:          "generic",
		NormalizeHost: func(h string) string { return h },
	}
}

// ICloudQuirks normalizes every resolved host to caldav.icloud.com and
// expects MOVE to fail with 412 (spec §4.3, §9).
func ICloudQuirks() Quirks {
	return Quirks{
		Name: "icloud",
		NormalizeHost: func(h string) string {
			if strings.HasSuffix(strings.ToLower(h), "icloud.com") {
				return "caldav.icloud.com"
			}
			return h
		},
		MoveReturnsPrecondition: true,
	}
}

// BaikalQuirks accounts for Baikal's fixed "/dav.php/" mount point.
func BaikalQuirks() Quirks {
	return Quirks{
		Name:                  "baikal",
		NormalizeHost:         func(h string) string { return h },
		CollectionPathPrefix:  "/dav.php/",
	}
}

// DetectQuirks probes a server with OPTIONS and classifies it by its
// Server header, falling back to GenericQuirks, following the
// header-sniffing approach real-world iCloud client libraries use to pick
// provider-specific behavior (rather than requiring the caller to know the
// provider ahead of time).
func DetectQuirks(ctx context.Context, hc HTTPClient, baseURL string) (Quirks, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, baseURL, nil)
	if err != nil {
		return GenericQuirks(), err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return GenericQuirks(), err
	}
	defer resp.Body.Close()

	server := strings.ToLower(resp.Header.Get("Server"))
	host := strings.ToLower(req.URL.Host)

	switch {
	case strings.Contains(server, "icloud") || strings.Contains(host, "icloud.com"):
		return ICloudQuirks(), nil
	case strings.Contains(server, "baikal"):
		return BaikalQuirks(), nil
	default:
		return GenericQuirks(), nil
	}
}
