package server

import "net/url"

type builtinOrigin struct {
	scheme  string
	host    string
	portAny bool
}

// The shell chrome loads from the app scheme; tool webviews load from the
// per-tool scheme; dev builds run the UI off a localhost dev server.
var builtinOrigins = []builtinOrigin{
	{scheme: "pptb", host: "localhost", portAny: false},
	{scheme: "pptb-webview", host: "", portAny: false},
	{scheme: "http", host: "localhost", portAny: true},
	{scheme: "http", host: "127.0.0.1", portAny: true},
}

func defaultOriginAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	hostname := u.Hostname()
	port := u.Port()
	for _, b := range builtinOrigins {
		if u.Scheme != b.scheme {
			continue
		}
		if b.host != "" && hostname != b.host {
			continue
		}
		if !b.portAny && port != "" {
			continue
		}
		return true
	}
	return false
}
