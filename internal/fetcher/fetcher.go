// Package fetcher scrapes link-preview metadata for the chat UI. It
// sits outside the signaling core and is only reached through the
// HTTP surface.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

var ErrBadStatus = errors.New("fetch returned non-success status")

// Preview is the metadata shown for a pasted link.
type Preview struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

type Fetcher struct {
	client *http.Client
}

func New() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch downloads the page and extracts title, description and image,
// preferring OpenGraph tags over plain HTML ones.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	p := &Preview{URL: url}
	walk(doc, p)
	return p, nil
}

func walk(n *html.Node, p *Preview) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title":
			if p.Title == "" && n.FirstChild != nil {
				p.Title = strings.TrimSpace(n.FirstChild.Data)
			}
		case "meta":
			readMeta(n, p)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, p)
	}
}

func readMeta(n *html.Node, p *Preview) {
	var name, property, content string
	for _, a := range n.Attr {
		switch a.Key {
		case "name":
			name = a.Val
		case "property":
			property = a.Val
		case "content":
			content = a.Val
		}
	}
	if content == "" {
		return
	}
	switch property {
	case "og:title":
		p.Title = content
	case "og:description":
		p.Description = content
	case "og:image":
		p.Image = content
	}
	if name == "description" && p.Description == "" {
		p.Description = content
	}
}
