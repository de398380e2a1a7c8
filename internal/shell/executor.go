package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Executor runs mini-app code against a Document.
type Executor interface {
	// EnsureGlobal loads the script at src unless symbol is already a
	// global. It is idempotent.
	EnsureGlobal(ctx context.Context, symbol, src string) error
	// Exec runs source in global scope.
	Exec(ctx context.Context, name, source string) error
	// HasHook reports whether a start hook may be called.
	HasHook(name string) bool
	// StartWhenReady calls hook exactly once after the anchor element
	// exists, or fails once timeout passes.
	StartWhenReady(ctx context.Context, hook, anchor string, interval, timeout time.Duration) error
}

// PageExecutor renders execution into the document for the browser to
// carry out: nothing runs on the server.
type PageExecutor struct {
	doc    *Document
	loaded map[string]bool
}

func NewPageExecutor(doc *Document) *PageExecutor {
	return &PageExecutor{doc: doc, loaded: map[string]bool{}}
}

// ValidScriptURL accepts https URLs and same-origin paths.
func ValidScriptURL(src string) bool {
	return strings.HasPrefix(src, "https://") || (strings.HasPrefix(src, "/") && !strings.HasPrefix(src, "//"))
}

func (p *PageExecutor) EnsureGlobal(_ context.Context, symbol, src string) error {
	if p.loaded[symbol] {
		return nil
	}
	if !ValidScriptURL(src) {
		return fmt.Errorf("refusing to load %s from %q", symbol, src)
	}
	var err error
	p.doc.with(func(root *html.Node) {
		for _, s := range findAll(root, byTag("script")) {
			if v, ok := getAttr(s, "data-global"); ok && v == symbol {
				return
			}
		}
		head := p.doc.head()
		if head == nil {
			err = fmt.Errorf("document has no head")
			return
		}
		s := newElement("script")
		setAttr(s, "src", src)
		setAttr(s, "data-global", symbol)
		head.AppendChild(s)
	})
	if err != nil {
		return err
	}
	p.loaded[symbol] = true
	return nil
}

var scriptClose = regexp.MustCompile(`(?i)</script`)

func inlineScript(source string, attrs ...string) *html.Node {
	s := newElement("script")
	for i := 0; i+1 < len(attrs); i += 2 {
		setAttr(s, attrs[i], attrs[i+1])
	}
	s.AppendChild(&html.Node{Type: html.TextNode, Data: scriptClose.ReplaceAllString(source, `<\/script`)})
	return s
}

func (p *PageExecutor) appendBody(n *html.Node) error {
	var err error
	p.doc.with(func(*html.Node) {
		body := p.doc.body()
		if body == nil {
			err = fmt.Errorf("document has no body")
			return
		}
		body.AppendChild(n)
	})
	return err
}

func (p *PageExecutor) Exec(_ context.Context, name, source string) error {
	return p.appendBody(inlineScript(source, "data-source", name))
}

// HasHook is always true: the rendered call checks for the function itself.
func (p *PageExecutor) HasHook(string) bool { return true }

const startScript = `(function(){var h=%[1]s,a=%[2]s,n=0,max=%[4]d;` +
	`var t=setInterval(function(){` +
	`if(typeof window[h]!=='function'){clearInterval(t);return;}` +
	`if(document.getElementById(a)){clearInterval(t);window[h]();return;}` +
	`if(++n>=max){clearInterval(t);console.error('start hook '+h+': #'+a+' never appeared');}` +
	`},%[3]d);})();`

func (p *PageExecutor) StartWhenReady(_ context.Context, hook, anchor string, interval, timeout time.Duration) error {
	h, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	a, err := json.Marshal(anchor)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	tries := int(timeout / interval)
	if tries < 1 {
		tries = 1
	}
	src := fmt.Sprintf(startScript, h, a, interval.Milliseconds(), tries)
	return p.appendBody(inlineScript(src, "data-source", "start-hook"))
}
