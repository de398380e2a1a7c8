package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

var errSandboxClosed = errors.New("sandbox closed")

// Sandbox executes mini-app scripts headlessly in a goja runtime bound to a
// Document. Every VM entry (scripts, timers, hook) is serialised by mu.
type Sandbox struct {
	doc   *Document
	fetch Fetcher
	log   *zap.Logger

	mu        sync.Mutex
	vm        *goja.Runtime
	wrappers  map[*html.Node]*goja.Object
	nodes     map[*goja.Object]*html.Node
	listeners map[*html.Node]map[string][]goja.Callable
	timers    map[int64]*sandboxTimer
	nextTimer int64
	alerts    []string
	closed    bool
}

type sandboxTimer struct {
	t     *time.Timer
	cb    goja.Callable
	every time.Duration
}

func NewSandbox(doc *Document, fetch Fetcher, log *zap.Logger) *Sandbox {
	s := &Sandbox{
		doc:       doc,
		fetch:     fetch,
		log:       log,
		vm:        goja.New(),
		wrappers:  map[*html.Node]*goja.Object{},
		nodes:     map[*goja.Object]*html.Node{},
		listeners: map[*html.Node]map[string][]goja.Callable{},
		timers:    map[int64]*sandboxTimer{},
	}
	s.install()
	return s
}

// run enters the VM. Cancelling ctx interrupts the running script.
func (s *Sandbox) run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSandboxClosed
	}
	s.vm.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() { s.vm.Interrupt(ctx.Err()) })
	defer stop()
	return fn()
}

func (s *Sandbox) Exec(ctx context.Context, name, source string) error {
	return s.run(ctx, func() error {
		if _, err := s.vm.RunScript(name, source); err != nil {
			return fmt.Errorf("run %s: %w", name, err)
		}
		return nil
	})
}

func (s *Sandbox) hasGlobal(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vm.Get(symbol)
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

func (s *Sandbox) EnsureGlobal(ctx context.Context, symbol, src string) error {
	if s.hasGlobal(symbol) {
		return nil
	}
	if !ValidScriptURL(src) {
		return fmt.Errorf("refusing to load %s from %q", symbol, src)
	}
	if s.fetch == nil {
		return fmt.Errorf("load %s: no fetcher", symbol)
	}
	resp, err := s.fetch.Fetch(ctx, src)
	if err != nil {
		return fmt.Errorf("load %s: %w", symbol, err)
	}
	if !resp.OK() {
		return fmt.Errorf("load %s: status %d", symbol, resp.Status)
	}
	if err := s.Exec(ctx, src, string(resp.Body)); err != nil {
		return err
	}
	if !s.hasGlobal(symbol) {
		return fmt.Errorf("%s did not define %s", src, symbol)
	}
	return nil
}

func (s *Sandbox) HasHook(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := goja.AssertFunction(s.vm.Get(name))
	return ok
}

func (s *Sandbox) StartWhenReady(ctx context.Context, hook, anchor string, interval, timeout time.Duration) error {
	if err := WaitFor(ctx, interval, timeout, func() bool { return s.doc.HasElement(anchor) }); err != nil {
		return fmt.Errorf("wait for #%s: %w", anchor, err)
	}
	return s.run(ctx, func() error {
		fn, ok := goja.AssertFunction(s.vm.Get(hook))
		if !ok {
			return fmt.Errorf("start hook %s is not a function", hook)
		}
		if _, err := fn(goja.Undefined()); err != nil {
			return fmt.Errorf("%s: %w", hook, err)
		}
		return nil
	})
}

// Eval evaluates expr and exports the result.
func (s *Sandbox) Eval(ctx context.Context, expr string) (any, error) {
	var out any
	err := s.run(ctx, func() error {
		v, err := s.vm.RunString(expr)
		if err != nil {
			return err
		}
		out = v.Export()
		return nil
	})
	return out, err
}

// Alerts returns the messages passed to alert().
func (s *Sandbox) Alerts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.alerts...)
}

// Close cancels pending timers; later calls fail.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.t.Stop()
		delete(s.timers, id)
	}
}

func (s *Sandbox) install() {
	vm := s.vm
	g := vm.GlobalObject()
	_ = g.Set("window", g)
	_ = g.Set("self", g)

	document := vm.NewObject()
	_ = document.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		var n *html.Node
		s.doc.with(func(root *html.Node) { n = findElement(root, byID(id)) })
		return s.wrap(n)
	})
	_ = document.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		var n *html.Node
		sel := call.Argument(0).String()
		s.doc.with(func(root *html.Node) { n = findElement(root, selector(sel)) })
		return s.wrap(n)
	})
	_ = document.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		var ns []*html.Node
		sel := call.Argument(0).String()
		s.doc.with(func(root *html.Node) { ns = findAll(root, selector(sel)) })
		return s.wrapAll(ns)
	})
	_ = document.Set("createElement", func(call goja.FunctionCall) goja.Value {
		return s.wrap(newElement(call.Argument(0).String()))
	})
	_ = document.Set("addEventListener", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	s.accessor(document, "body", func() goja.Value {
		var n *html.Node
		s.doc.with(func(*html.Node) { n = s.doc.body() })
		return s.wrap(n)
	}, nil)
	s.accessor(document, "head", func() goja.Value {
		var n *html.Node
		s.doc.with(func(*html.Node) { n = s.doc.head() })
		return s.wrap(n)
	}, nil)
	_ = g.Set("document", document)

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "debug", "warn", "error"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, a.String())
			}
			msg := strings.Join(parts, " ")
			switch level {
			case "warn":
				s.log.Warn("mini-app console", zap.String("msg", msg))
			case "error":
				s.log.Error("mini-app console", zap.String("msg", msg))
			default:
				s.log.Debug("mini-app console", zap.String("msg", msg))
			}
			return goja.Undefined()
		})
	}
	_ = g.Set("console", console)

	_ = g.Set("alert", func(call goja.FunctionCall) goja.Value {
		msg := call.Argument(0).String()
		s.alerts = append(s.alerts, msg)
		s.log.Info("mini-app alert", zap.String("msg", msg))
		return goja.Undefined()
	})

	navigator := vm.NewObject()
	_ = navigator.Set("userAgent", "minishell-sandbox")
	_ = navigator.Set("onLine", true)
	_ = g.Set("navigator", navigator)

	_ = g.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return s.schedule(call, false) })
	_ = g.Set("setInterval", func(call goja.FunctionCall) goja.Value { return s.schedule(call, true) })
	clearTimer := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		if t, ok := s.timers[id]; ok {
			t.t.Stop()
			delete(s.timers, id)
		}
		return goja.Undefined()
	}
	_ = g.Set("clearTimeout", clearTimer)
	_ = g.Set("clearInterval", clearTimer)
}

// schedule runs with mu held (called from script).
func (s *Sandbox) schedule(call goja.FunctionCall, repeat bool) goja.Value {
	cb, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(s.vm.NewTypeError("timer callback must be a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.nextTimer++
	id := s.nextTimer
	t := &sandboxTimer{cb: cb}
	if repeat {
		t.every = max(delay, time.Millisecond)
	}
	s.timers[id] = t
	t.t = time.AfterFunc(delay, func() { s.fire(id) })
	return s.vm.ToValue(id)
}

func (s *Sandbox) fire(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if s.closed || !ok {
		return
	}
	if t.every > 0 {
		t.t.Reset(t.every)
	} else {
		delete(s.timers, id)
	}
	s.vm.ClearInterrupt()
	if _, err := t.cb(goja.Undefined()); err != nil {
		s.log.Warn("mini-app timer failed", zap.Error(err))
	}
}

func (s *Sandbox) accessor(o *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	var setter goja.Value
	if set != nil {
		setter = s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	getter := s.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	_ = o.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

func (s *Sandbox) nodeOf(v goja.Value) *html.Node {
	o, ok := v.(*goja.Object)
	if !ok {
		panic(s.vm.NewTypeError("argument is not a node"))
	}
	n, ok := s.nodes[o]
	if !ok {
		panic(s.vm.NewTypeError("argument is not a node"))
	}
	return n
}

func (s *Sandbox) wrapAll(ns []*html.Node) goja.Value {
	out := make([]any, 0, len(ns))
	for _, n := range ns {
		out = append(out, s.wrap(n))
	}
	return s.vm.NewArray(out...)
}

// wrap returns the script object for n; the same node always yields the
// same object.
func (s *Sandbox) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if o, ok := s.wrappers[n]; ok {
		return o
	}
	vm := s.vm
	o := vm.NewObject()
	s.wrappers[n] = o
	s.nodes[o] = n

	_ = o.Set("tagName", strings.ToUpper(n.Data))
	_ = o.Set("style", vm.NewObject())
	attrAccessor := func(prop, attr string) {
		s.accessor(o, prop, func() goja.Value {
			var v string
			s.doc.with(func(*html.Node) { v, _ = getAttr(n, attr) })
			return vm.ToValue(v)
		}, func(v goja.Value) {
			s.doc.with(func(*html.Node) { setAttr(n, attr, v.String()) })
		})
	}
	attrAccessor("id", "id")
	attrAccessor("className", "class")
	attrAccessor("src", "src")
	attrAccessor("value", "value")

	text := func() goja.Value {
		var v string
		s.doc.with(func(*html.Node) { v = textContent(n) })
		return vm.ToValue(v)
	}
	setText := func(v goja.Value) {
		s.doc.with(func(*html.Node) { setTextContent(n, v.String()) })
	}
	s.accessor(o, "textContent", text, setText)
	s.accessor(o, "innerText", text, setText)
	s.accessor(o, "innerHTML", func() goja.Value {
		var v string
		s.doc.with(func(*html.Node) { v = innerHTML(n) })
		return vm.ToValue(v)
	}, func(v goja.Value) {
		var err error
		s.doc.with(func(*html.Node) {
			var kids []*html.Node
			kids, err = parseInto(n, v.String())
			if err != nil {
				return
			}
			for n.FirstChild != nil {
				n.RemoveChild(n.FirstChild)
			}
			for _, k := range kids {
				n.AppendChild(k)
			}
		})
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
	})
	s.accessor(o, "parentNode", func() goja.Value {
		var p *html.Node
		s.doc.with(func(*html.Node) { p = n.Parent })
		if p == nil || p.Type != html.ElementNode {
			return goja.Null()
		}
		return s.wrap(p)
	}, nil)

	_ = o.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		k, v := strings.ToLower(call.Argument(0).String()), call.Argument(1).String()
		s.doc.with(func(*html.Node) { setAttr(n, k, v) })
		return goja.Undefined()
	})
	_ = o.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		var v string
		var ok bool
		k := strings.ToLower(call.Argument(0).String())
		s.doc.with(func(*html.Node) { v, ok = getAttr(n, k) })
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	_ = o.Set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		k := strings.ToLower(call.Argument(0).String())
		s.doc.with(func(*html.Node) { removeAttr(n, k) })
		return goja.Undefined()
	})
	_ = o.Set("appendChild", func(call goja.FunctionCall) goja.Value {
		child := s.nodeOf(call.Argument(0))
		s.doc.with(func(*html.Node) {
			detach(child)
			n.AppendChild(child)
		})
		return call.Argument(0)
	})
	_ = o.Set("removeChild", func(call goja.FunctionCall) goja.Value {
		child := s.nodeOf(call.Argument(0))
		s.doc.with(func(*html.Node) {
			if child.Parent == n {
				n.RemoveChild(child)
			}
		})
		return call.Argument(0)
	})
	_ = o.Set("remove", func(goja.FunctionCall) goja.Value {
		s.doc.with(func(*html.Node) { detach(n) })
		return goja.Undefined()
	})
	_ = o.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		var found *html.Node
		sel := call.Argument(0).String()
		s.doc.with(func(*html.Node) {
			for c := n.FirstChild; c != nil && found == nil; c = c.NextSibling {
				found = findElement(c, selector(sel))
			}
		})
		return s.wrap(found)
	})
	_ = o.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		if s.listeners[n] == nil {
			s.listeners[n] = map[string][]goja.Callable{}
		}
		s.listeners[n][typ] = append(s.listeners[n][typ], fn)
		return goja.Undefined()
	})
	_ = o.Set("click", func(goja.FunctionCall) goja.Value {
		s.dispatch(n, "click")
		return goja.Undefined()
	})
	_ = o.Set("dispatchEvent", func(call goja.FunctionCall) goja.Value {
		if evt, ok := call.Argument(0).(*goja.Object); ok {
			if typ := evt.Get("type"); typ != nil {
				s.dispatch(n, typ.String())
			}
		}
		return vm.ToValue(true)
	})
	_ = o.Set("focus", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	_ = o.Set("blur", func(goja.FunctionCall) goja.Value { return goja.Undefined() })

	classList := vm.NewObject()
	classes := func() []string {
		var v string
		s.doc.with(func(*html.Node) { v, _ = getAttr(n, "class") })
		return strings.Fields(v)
	}
	setClasses := func(cs []string) {
		s.doc.with(func(*html.Node) { setAttr(n, "class", strings.Join(cs, " ")) })
	}
	_ = classList.Set("contains", func(call goja.FunctionCall) goja.Value {
		want := call.Argument(0).String()
		for _, c := range classes() {
			if c == want {
				return vm.ToValue(true)
			}
		}
		return vm.ToValue(false)
	})
	_ = classList.Set("add", func(call goja.FunctionCall) goja.Value {
		cs := classes()
		for _, a := range call.Arguments {
			if !containsString(cs, a.String()) {
				cs = append(cs, a.String())
			}
		}
		setClasses(cs)
		return goja.Undefined()
	})
	_ = classList.Set("remove", func(call goja.FunctionCall) goja.Value {
		drop := map[string]bool{}
		for _, a := range call.Arguments {
			drop[a.String()] = true
		}
		var out []string
		for _, c := range classes() {
			if !drop[c] {
				out = append(out, c)
			}
		}
		setClasses(out)
		return goja.Undefined()
	})
	_ = classList.Set("toggle", func(call goja.FunctionCall) goja.Value {
		c := call.Argument(0).String()
		cs := classes()
		if containsString(cs, c) {
			out := cs[:0]
			for _, x := range cs {
				if x != c {
					out = append(out, x)
				}
			}
			setClasses(out)
			return vm.ToValue(false)
		}
		setClasses(append(cs, c))
		return vm.ToValue(true)
	})
	_ = o.Set("classList", classList)

	return o
}

// dispatch calls the listeners of n for typ. Listener exceptions are logged.
func (s *Sandbox) dispatch(n *html.Node, typ string) {
	fns := append([]goja.Callable(nil), s.listeners[n][typ]...)
	if len(fns) == 0 {
		return
	}
	target := s.wrap(n)
	evt := s.vm.NewObject()
	_ = evt.Set("type", typ)
	_ = evt.Set("target", target)
	_ = evt.Set("preventDefault", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	for _, fn := range fns {
		if _, err := fn(target, evt); err != nil {
			s.log.Warn("mini-app listener failed", zap.String("event", typ), zap.Error(err))
		}
	}
}

// selector supports #id, .class and tag selectors.
func selector(sel string) func(*html.Node) bool {
	sel = strings.TrimSpace(sel)
	switch {
	case strings.HasPrefix(sel, "#"):
		return byID(sel[1:])
	case strings.HasPrefix(sel, "."):
		return byClass(sel[1:])
	default:
		return byTag(sel)
	}
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
