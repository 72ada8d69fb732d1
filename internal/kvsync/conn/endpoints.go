package conn

import (
	"fmt"
	"net/url"
	"strings"
)

// Default endpoint paths, relative to the site root or the page's base path.
const (
	DefaultSocketPath = "/ws/localstorage-sync"
	DefaultAPIPath    = "/api/localstorage-sync"
)

// basePath returns the directory of the page path without a trailing slash,
// or "" when the page sits at the root.
func basePath(pagePath string) string {
	i := strings.LastIndex(pagePath, "/")
	if i <= 0 {
		return ""
	}
	return pagePath[:i]
}

func candidates(page *url.URL, scheme, suffix string) []string {
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	root := fmt.Sprintf("%s://%s", scheme, page.Host)
	out := []string{root + suffix}
	if base := basePath(page.Path); base != "" {
		out = append(out, root+base+suffix)
	}
	return out
}

// SocketEndpointCandidates returns the realtime endpoints to try for a client
// served from pageURL: the root endpoint first, then one under the page's
// base path so that a reverse proxy mounting the app under a prefix still
// resolves. http pages map to ws, https pages to wss.
func SocketEndpointCandidates(pageURL, socketPath string) ([]string, error) {
	page, err := parsePage(pageURL)
	if err != nil {
		return nil, err
	}
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	scheme := "ws"
	if page.Scheme == "https" || page.Scheme == "wss" {
		scheme = "wss"
	}
	return candidates(page, scheme, socketPath), nil
}

// APIEndpointCandidates returns the HTTP sync endpoints to try, in the same
// order as SocketEndpointCandidates.
func APIEndpointCandidates(pageURL, apiPath string) ([]string, error) {
	page, err := parsePage(pageURL)
	if err != nil {
		return nil, err
	}
	if apiPath == "" {
		apiPath = DefaultAPIPath
	}
	scheme := "http"
	if page.Scheme == "https" || page.Scheme == "wss" {
		scheme = "https"
	}
	return candidates(page, scheme, apiPath), nil
}

func parsePage(pageURL string) (*url.URL, error) {
	page, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page URL %q: %w", pageURL, err)
	}
	if page.Host == "" {
		return nil, fmt.Errorf("page URL %q has no host", pageURL)
	}
	return page, nil
}
