package server

import (
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"minishell/internal/shell"
)

// IsShellPath reports whether p is answered with the shell document: the
// root, the document itself, and extensionless paths below /app/.
func IsShellPath(p string) bool {
	switch p {
	case "", "/", shellDocument:
		return true
	}
	return strings.HasPrefix(p, "/app/") && path.Ext(p) == ""
}

const shellDocument = "/index.html"

// isWorkerScript matches /app/<slug>/sw.js.
func isWorkerScript(p string) bool {
	rest, ok := strings.CutPrefix(p, "/app/")
	if !ok {
		return false
	}
	slug, file, ok := strings.Cut(rest, "/")
	return ok && slug != "" && file == shell.ResWorker
}

// hostOf is the request host without port, lowercased.
func hostOf(r *http.Request) string {
	h := r.Host
	if hh, _, err := net.SplitHostPort(h); err == nil {
		h = hh
	}
	return strings.ToLower(h)
}

// sameHost reports whether the Origin header value names host.
func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
