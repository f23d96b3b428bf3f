package utils

import (
	"net/url"
	"strings"
)

var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"mc_cid": true,
	"mc_eid": true,
	"yclid":  true,
}

func isTrackingParam(key string) bool {
	return strings.HasPrefix(key, "utm_") || trackingParams[key]
}

// DropTrackingParams removes utm_* and click-id query parameters from
// urlStr. Unparsable input is returned as is.
func DropTrackingParams(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil || u.RawQuery == "" {
		return urlStr
	}

	queryParams := u.Query()
	dropped := false
	for key := range queryParams {
		if isTrackingParam(strings.ToLower(key)) {
			delete(queryParams, key)
			dropped = true
		}
	}
	if !dropped {
		return urlStr
	}

	u.RawQuery = queryParams.Encode()
	return u.String()
}

// ResolveReference resolves ref against base. Absolute, fragment-only and
// non-http references are returned unchanged.
func ResolveReference(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if base == nil || ref == "" || strings.HasPrefix(ref, "#") {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	return base.ResolveReference(r).String()
}
