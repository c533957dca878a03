// Package snapshot stores the latest page HTML per conversation and answers
// element queries against it. Clients push the rendered page before asking
// the assistant for changes; handlers and tooling then pull targeted elements
// by CSS selector or XPath instead of shipping the whole document around.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// ErrNoSnapshot reports a query against a conversation with no stored page.
var ErrNoSnapshot = errors.New("no snapshot stored for conversation")

// Element is one matched node from a snapshot query.
type Element struct {
	Tag   string            `json:"tag"`
	HTML  string            `json:"html"` // outer HTML
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Store holds one HTML snapshot per conversation id. A later Put replaces the
// previous snapshot; there is no history.
type Store struct {
	mu    sync.RWMutex
	pages map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{pages: make(map[string]string)}
}

// Put stores the page HTML for a conversation. The document must parse; the
// raw string is kept so queries always reflect exactly what the client sent.
func (s *Store) Put(conversationID, page string) error {
	if _, err := html.Parse(strings.NewReader(page)); err != nil {
		return fmt.Errorf("invalid HTML: %w", err)
	}

	s.mu.Lock()
	s.pages[conversationID] = page
	s.mu.Unlock()
	return nil
}

// Get returns the stored page HTML.
func (s *Store) Get(conversationID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[conversationID]
	return page, ok
}

// Remove drops the snapshot for a conversation. Called when the conversation
// is deleted.
func (s *Store) Remove(conversationID string) {
	s.mu.Lock()
	delete(s.pages, conversationID)
	s.mu.Unlock()
}

// QueryCSS returns the elements matching a CSS selector, in document order.
func (s *Store) QueryCSS(conversationID, selector string) ([]Element, error) {
	page, ok := s.Get(conversationID)
	if !ok {
		return nil, ErrNoSnapshot
	}

	// Compile up front: goquery's Find panics on a bad selector.
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	var elements []Element
	doc.FindMatcher(sel).Each(func(_ int, match *goquery.Selection) {
		for _, node := range match.Nodes {
			elements = append(elements, nodeToElement(node))
		}
	})
	return elements, nil
}

// QueryXPath returns the elements matching an XPath expression, in document
// order.
func (s *Store) QueryXPath(conversationID, expr string) ([]Element, error) {
	page, ok := s.Get(conversationID)
	if !ok {
		return nil, ErrNoSnapshot
	}

	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	nodes, err := htmlquery.QueryAll(doc, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}

	elements := make([]Element, 0, len(nodes))
	for _, node := range nodes {
		elements = append(elements, nodeToElement(node))
	}
	return elements, nil
}

func nodeToElement(node *html.Node) Element {
	el := Element{
		Tag:  node.Data,
		Text: strings.TrimSpace(htmlquery.InnerText(node)),
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, node); err == nil {
		el.HTML = buf.String()
	}

	if len(node.Attr) > 0 {
		el.Attrs = make(map[string]string, len(node.Attr))
		for _, attr := range node.Attr {
			el.Attrs[attr.Key] = attr.Val
		}
	}
	return el
}
