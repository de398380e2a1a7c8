package swcache

import (
	"net/http"
	"strings"
)

// OutcomeHeader tells clients how a worker answered.
const OutcomeHeader = "X-Minishell-Cache"

// WriteEntry copies ent to w and tags it with the outcome.
func WriteEntry(w http.ResponseWriter, ent CacheEntry, outcome Outcome) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, OutcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	SetOutcomeHeader(w.Header(), outcome)
	status := ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(ent.Body)
}

func SetOutcomeHeader(h http.Header, outcome Outcome) {
	if outcome != "" {
		h.Set(OutcomeHeader, string(outcome))
	}
	// Custom headers are unreadable from cross-origin JS unless exposed.
	ensureExposedHeader(h, OutcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
