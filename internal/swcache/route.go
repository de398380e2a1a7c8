package swcache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

func parseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.TrimSpace(s)); st {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate:
		return st, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Partition classes. A worker owns one partition per class.
const (
	PartitionApp   = "app"
	PartitionModel = "model"
	PartitionCDN   = "cdn"
)

var partitionClasses = []string{PartitionApp, PartitionModel, PartitionCDN}

// Policy is the caching behaviour of one asset class.
type Policy struct {
	Strategy      Strategy
	MaxAge        time.Duration
	RangeRequests bool
}

// RouteSpec is the configuration form of a Route.
type RouteSpec struct {
	Name          string `yaml:"name"`
	Match         string `yaml:"match"`
	Priority      int    `yaml:"priority"`
	Partition     string `yaml:"partition"`
	Strategy      string `yaml:"strategy"`
	MaxAge        string `yaml:"maxAge"`
	RangeRequests bool   `yaml:"rangeRequests"`
}

type Route struct {
	Name      string
	Partition string
	Policy    Policy

	matchers []matcher
}

// target is the request as seen by the route table.
type target struct {
	url        *url.URL
	sameOrigin bool
}

type matcher interface {
	match(t target) bool
}

type pathPrefixMatcher struct{ prefix string }

func (m pathPrefixMatcher) match(t target) bool {
	return t.sameOrigin && strings.HasPrefix(t.url.Path, m.prefix)
}

type suffixMatcher struct{ suffix string }

func (m suffixMatcher) match(t target) bool { return strings.HasSuffix(t.url.Path, m.suffix) }

type hostMatcher struct{ host string }

func (m hostMatcher) match(t target) bool { return strings.EqualFold(t.url.Hostname(), m.host) }

type crossOriginMatcher struct{}

func (crossOriginMatcher) match(t target) bool { return !t.sameOrigin }

type anyMatcher struct{}

func (anyMatcher) match(target) bool { return true }

func (r Route) matches(t target) bool {
	for _, m := range r.matchers {
		if m.match(t) {
			return true
		}
	}
	return false
}

// RouteTable classifies requests. Routes are evaluated in order and the
// first match wins; requests nothing matches get the fallback route.
type RouteTable struct {
	routes   []Route
	fallback Route
}

// NewRouteTable builds a table whose fallback is network-first for app
// assets, or stale-while-revalidate in development.
func NewRouteTable(routes []Route, dev bool) RouteTable {
	fb := Route{
		Name:      "app-critical",
		Partition: PartitionApp,
		Policy:    Policy{Strategy: NetworkFirst},
		matchers:  []matcher{anyMatcher{}},
	}
	if dev {
		fb.Policy.Strategy = StaleWhileRevalidate
	}
	return RouteTable{routes: routes, fallback: fb}
}

func (t RouteTable) pick(tg target) Route {
	for _, r := range t.routes {
		if r.matches(tg) {
			return r
		}
	}
	return t.fallback
}

// Routes returns the ordered routes followed by the fallback.
func (t RouteTable) Routes() []Route {
	out := make([]Route, 0, len(t.routes)+1)
	out = append(out, t.routes...)
	return append(out, t.fallback)
}

// DefaultRoutes is the asset classification used when no routes are
// configured: model binaries, cross-origin vendor scripts, static files.
func DefaultRoutes() []Route {
	routes, err := CompileRoutes([]RouteSpec{
		{Name: "model", Match: "Suffix(.onnx)", Partition: PartitionModel, Strategy: string(CacheFirst), RangeRequests: true},
		{Name: "cdn-vendor", Match: "CrossOrigin()", Partition: PartitionCDN, Strategy: string(CacheFirst)},
		{
			Name:      "static",
			Match:     "Suffix(.png) | Suffix(.jpg) | Suffix(.jpeg) | Suffix(.svg) | Suffix(.ico) | Suffix(.webp) | Suffix(.gif) | Suffix(.css) | Suffix(.woff2)",
			Partition: PartitionApp,
			Strategy:  string(CacheFirst),
		},
	})
	if err != nil {
		panic(err)
	}
	return routes
}

// CompileRoutes validates route specs and orders them by priority. An empty
// spec list yields DefaultRoutes.
func CompileRoutes(specs []RouteSpec) ([]Route, error) {
	if len(specs) == 0 {
		return DefaultRoutes(), nil
	}

	ordered := make([]RouteSpec, len(specs))
	copy(ordered, specs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	out := make([]Route, 0, len(ordered))
	for i, s := range ordered {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		ms, err := parseMatch(s.Match)
		if err != nil {
			return nil, fmt.Errorf("%s: match: %w", name, err)
		}
		part := s.Partition
		if part == "" {
			part = PartitionApp
		}
		if !isPartitionClass(part) {
			return nil, fmt.Errorf("%s: unknown partition %q", name, part)
		}
		st := CacheFirst
		if s.Strategy != "" {
			st, err = parseStrategy(s.Strategy)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		var maxAge time.Duration
		if s.MaxAge != "" {
			maxAge, err = time.ParseDuration(s.MaxAge)
			if err != nil {
				return nil, fmt.Errorf("%s: maxAge: %w", name, err)
			}
		}
		out = append(out, Route{
			Name:      name,
			Partition: part,
			Policy:    Policy{Strategy: st, MaxAge: maxAge, RangeRequests: s.RangeRequests},
			matchers:  ms,
		})
	}
	return out, nil
}

func isPartitionClass(p string) bool {
	for _, c := range partitionClasses {
		if c == p {
			return true
		}
	}
	return false
}

// parseMatch reads expressions like "Suffix(.onnx) | Host(cdn.jsdelivr.net)".
func parseMatch(expr string) ([]matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	var out []matcher
	for _, p := range strings.Split(expr, "|") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open <= 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("malformed matcher %q", p)
		}
		fn := p[:open]
		arg := strings.TrimSpace(p[open+1 : len(p)-1])

		switch fn {
		case "PathPrefix":
			if !strings.HasPrefix(arg, "/") {
				return nil, fmt.Errorf("invalid prefix %q", arg)
			}
			out = append(out, pathPrefixMatcher{prefix: arg})
		case "Suffix":
			if arg == "" {
				return nil, fmt.Errorf("empty suffix")
			}
			out = append(out, suffixMatcher{suffix: arg})
		case "Host":
			if arg == "" {
				return nil, fmt.Errorf("empty host")
			}
			out = append(out, hostMatcher{host: arg})
		case "CrossOrigin":
			out = append(out, crossOriginMatcher{})
		case "Any":
			out = append(out, anyMatcher{})
		default:
			return nil, fmt.Errorf("unsupported matcher %q", fn)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}
