// Package strategy classifies intercepted requests and executes the caching policy of each class.
package strategy

import (
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// Class is the resource class a request is routed to.
type Class string

const (
	// ClassPassthrough requests are not intercepted and go to the network untouched.
	ClassPassthrough Class = "passthrough"
	// ClassStatic requests use cache-first.
	ClassStatic Class = "static"
	// ClassAPI requests use network-first with cache fallback.
	ClassAPI Class = "api"
	// ClassNavigation requests use network with the offline document as fallback.
	ClassNavigation Class = "navigation"
	// ClassDynamic requests use stale-while-revalidate.
	ClassDynamic Class = "dynamic"
)

// DefaultStaticExtensions matches script, style, image and font paths.
var DefaultStaticExtensions = regexp.MustCompile(`(?i)\.(js|mjs|css|png|jpg|jpeg|gif|svg|webp|ico|woff2?|ttf|eot|otf)$`)

// Descriptor is the part of a request the router looks at.
type Descriptor struct {
	Method      string
	URL         *url.URL
	Navigate    bool
	Destination string
}

// Describe extracts the descriptor of req. A request is a navigation when its fetch metadata says so,
// or when it is a GET accepting HTML and carries no fetch metadata at all.
func Describe(req *http.Request) Descriptor {
	u := req.URL
	if u.Host == "" && req.Host != "" {
		copied := *u
		copied.Host = req.Host
		u = &copied
	}

	mode := strings.ToLower(req.Header.Get("Sec-Fetch-Mode"))
	dest := strings.ToLower(req.Header.Get("Sec-Fetch-Dest"))

	navigate := mode == "navigate" || dest == "document"
	if mode == "" && dest == "" && req.Method == http.MethodGet {
		navigate = strings.Contains(req.Header.Get("Accept"), "text/html")
	}

	return Descriptor{
		Method:      req.Method,
		URL:         u,
		Navigate:    navigate,
		Destination: dest,
	}
}

// Rules configure the router.
type Rules struct {
	// AppHost restricts the static allowlist to the application origin. Empty matches any host.
	AppHost string
	// StaticPaths is the static-asset allowlist, matched exactly against the path.
	StaticPaths []string
	// StaticExtensions matches static-asset paths by extension.
	StaticExtensions *regexp.Regexp
	// APIPrefix is the API root, e.g. "/api/".
	APIPrefix string
	// DataHosts are backend data-service domains. A host matches a domain or any of its subdomains.
	DataHosts []string
}

// DefaultRules returns the rules used when nothing is configured.
func DefaultRules() Rules {
	return Rules{
		StaticPaths:      []string{"/", "/offline.html", "/manifest.json"},
		StaticExtensions: DefaultStaticExtensions,
		APIPrefix:        "/api/",
	}
}

// Classify returns the class of the request described by d. Rules apply in priority order and the
// first match wins.
func Classify(d Descriptor, rules Rules) Class {
	if d.Method != http.MethodGet || d.URL == nil {
		return ClassPassthrough
	}
	if d.URL.Scheme != "http" && d.URL.Scheme != "https" {
		return ClassPassthrough
	}

	host := strings.ToLower(d.URL.Hostname())
	path := d.URL.Path
	if path == "" {
		path = "/"
	}

	if rules.isStatic(host, path) {
		return ClassStatic
	}

	if rules.isAPI(host, path) {
		return ClassAPI
	}

	if d.Navigate {
		return ClassNavigation
	}

	return ClassDynamic
}

func (r Rules) isStatic(host string, path string) bool {
	appHost := strings.ToLower(r.AppHost)
	if (appHost == "" || appHost == host) && slices.Contains(r.StaticPaths, path) {
		return true
	}
	return r.StaticExtensions != nil && r.StaticExtensions.MatchString(path)
}

func (r Rules) isAPI(host string, path string) bool {
	if r.APIPrefix != "" && strings.HasPrefix(path, r.APIPrefix) {
		return true
	}
	for _, dataHost := range r.DataHosts {
		dataHost = strings.ToLower(strings.TrimPrefix(dataHost, "."))
		if host == dataHost || strings.HasSuffix(host, "."+dataHost) {
			return true
		}
	}
	return false
}
