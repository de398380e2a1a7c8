// Package shell loads mini-app bundles into the shell document.
package shell

import (
	"errors"
	"strings"
)

var ErrNoSlug = errors.New("invalid mini program URL: missing slug")

// ResolveSlug returns the first label of hostname when it has at least three
// labels. The port, if any, must already be stripped.
func ResolveSlug(hostname string) (string, bool) {
	labels := strings.Split(hostname, ".")
	if len(labels) < 3 || labels[0] == "" {
		return "", false
	}
	return strings.ToLower(labels[0]), true
}
