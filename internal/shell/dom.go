package shell

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is the host page a bundle is mounted into. All access goes
// through its mutex; sandbox timers and the anchor poll run concurrently.
type Document struct {
	mu      sync.Mutex
	root    *html.Node
	hoisted map[*html.Node]bool
}

func ParseDocument(src []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse shell document: %w", err)
	}
	return &Document{root: root, hoisted: map[*html.Node]bool{}}, nil
}

func (d *Document) Render() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Document) HasElement(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return findElement(d.root, byID(id)) != nil
}

func (d *Document) Text(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := findElement(d.root, byID(id))
	if n == nil {
		return "", false
	}
	return textContent(n), true
}

// SetText replaces the children of the element with id by text.
func (d *Document) SetText(id, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := findElement(d.root, byID(id))
	if n == nil {
		return false
	}
	setTextContent(n, text)
	return true
}

// Count returns how many elements match tag.
func (d *Document) Count(tag string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(findAll(d.root, byTag(tag)))
}

// with runs fn while holding the document lock.
func (d *Document) with(fn func(root *html.Node)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.root)
}

func (d *Document) head() *html.Node { return findElement(d.root, byAtom(atom.Head)) }
func (d *Document) body() *html.Node { return findElement(d.root, byAtom(atom.Body)) }

// fragment is a parsed bundle page, ready to be moved into the host.
type fragment struct {
	body     []*html.Node
	styles   []*html.Node
	stripped int
}

// parseBundleHTML parses src as a standalone page and drops every external
// script. Remaining inline scripts are made inert: only app.js runs.
func parseBundleHTML(src string) (fragment, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fragment{}, err
	}
	var fr fragment
	for _, s := range findAll(root, byAtom(atom.Script)) {
		if _, ok := getAttr(s, "src"); ok {
			detach(s)
			fr.stripped++
			continue
		}
		setAttr(s, "type", "text/x-inert")
	}
	fr.styles = findAll(root, byAtom(atom.Style))
	if body := findElement(root, byAtom(atom.Body)); body != nil {
		for c := body.FirstChild; c != nil; c = c.NextSibling {
			fr.body = append(fr.body, c)
		}
	}
	return fr, nil
}

// replaceChildren moves nodes into the element with id, replacing what was
// there.
func (d *Document) replaceChildren(id string, nodes []*html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := findElement(d.root, byID(id))
	if target == nil {
		return fmt.Errorf("%s div not found", id)
	}
	for target.FirstChild != nil {
		target.RemoveChild(target.FirstChild)
	}
	for _, n := range nodes {
		detach(n)
		target.AppendChild(n)
	}
	return nil
}

// hoistStyles clones styles into head, once per source node.
func (d *Document) hoistStyles(styles []*html.Node) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	head := d.head()
	if head == nil {
		return 0
	}
	n := 0
	for _, s := range styles {
		if d.hoisted[s] {
			continue
		}
		d.hoisted[s] = true
		head.AppendChild(cloneNode(s))
		n++
	}
	return n
}

func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func byID(id string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		v, ok := getAttr(n, "id")
		return ok && v == id
	}
}

func byTag(tag string) func(*html.Node) bool {
	tag = strings.ToLower(tag)
	return func(n *html.Node) bool { return n.Data == tag }
}

func byAtom(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.DataAtom == a }
}

func byClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		v, _ := getAttr(n, "class")
		for _, c := range strings.Fields(v) {
			if c == class {
				return true
			}
		}
		return false
	}
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func setTextContent(n *html.Node, text string) {
	for n.FirstChild != nil {
		n.RemoveChild(n.FirstChild)
	}
	if text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

func newElement(tag string) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
}

func cloneNode(n *html.Node) *html.Node {
	c := &html.Node{Type: n.Type, DataAtom: n.DataAtom, Data: n.Data, Namespace: n.Namespace}
	c.Attr = append([]html.Attribute(nil), n.Attr...)
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.AppendChild(cloneNode(ch))
	}
	return c
}

func detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// parseInto parses markup in the context of parent and returns the nodes.
func parseInto(parent *html.Node, markup string) ([]*html.Node, error) {
	ctx := parent
	if ctx.Type != html.ElementNode {
		ctx = newElement("div")
	}
	return html.ParseFragment(strings.NewReader(markup), ctx)
}

func innerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}
