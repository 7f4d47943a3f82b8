// Package gooddata talks to the GoodData metadata API: session login, object
// enumeration for catalog sync and metric creation.
package gooddata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	defaultPageSize = 100
	userAgent       = "maql-express/1.0"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gooddata: %s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

type Client struct {
	host     string
	login    string
	password string
	http     *http.Client
	pageSize int
}

// New builds a client whose cookie jar carries the GoodData session between calls.
func New(host, login, password string, timeout time.Duration) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		host:     strings.TrimRight(host, "/"),
		login:    login,
		password: password,
		http:     &http.Client{Jar: jar, Timeout: timeout},
		pageSize: defaultPageSize,
	}, nil
}

func (c *Client) Configured() bool {
	return c != nil && c.host != "" && c.login != "" && c.password != ""
}

func (c *Client) Login(ctx context.Context) error {
	body := map[string]any{
		"postUserLogin": map[string]any{
			"login":        c.login,
			"password":     c.password,
			"remember":     "0",
			"verify_level": 0,
		},
	}
	if err := c.do(ctx, http.MethodPost, "/gdc/account/login", body, nil); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Entry is one row of a metadata query listing.
type Entry struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

func (e Entry) ObjectID() string { return ObjectID(e.Link) }

type queryResponse struct {
	Query struct {
		Entries []Entry `json:"entries"`
	} `json:"query"`
}

func (c *Client) Attributes(ctx context.Context, project string) ([]Entry, error) {
	return c.query(ctx, project, "attributes")
}

func (c *Client) Metrics(ctx context.Context, project string) ([]Entry, error) {
	return c.query(ctx, project, "metrics")
}

func (c *Client) query(ctx context.Context, project, kind string) ([]Entry, error) {
	var resp queryResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/gdc/md/%s/query/%s", project, kind), nil, &resp); err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	return resp.Query.Entries, nil
}

// DisplayForms returns the label URIs of the attribute object at link.
func (c *Client) DisplayForms(ctx context.Context, link string) ([]string, error) {
	var resp struct {
		Attribute struct {
			Content struct {
				DisplayForms []struct {
					Meta struct {
						URI string `json:"uri"`
					} `json:"meta"`
				} `json:"displayForms"`
			} `json:"content"`
		} `json:"attribute"`
	}
	if err := c.do(ctx, http.MethodGet, link, nil, &resp); err != nil {
		return nil, fmt.Errorf("read attribute: %w", err)
	}
	uris := make([]string, 0, len(resp.Attribute.Content.DisplayForms))
	for _, form := range resp.Attribute.Content.DisplayForms {
		if form.Meta.URI != "" {
			uris = append(uris, form.Meta.URI)
		}
	}
	return uris, nil
}

type Element struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

type elementsPage struct {
	AttributeElements struct {
		Elements []Element `json:"elements"`
		Paging   struct {
			Total json.RawMessage `json:"total"`
		} `json:"paging"`
	} `json:"attributeElements"`
}

// Elements pages through the elements of a label, calling fn once per page.
func (c *Client) Elements(ctx context.Context, labelURI string, fn func([]Element) error) error {
	offset := 0
	for {
		var page elementsPage
		path := fmt.Sprintf("%s/elements?limit=%d&offset=%d", labelURI, c.pageSize, offset)
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return fmt.Errorf("list elements: %w", err)
		}
		items := page.AttributeElements.Elements
		total, err := parseTotal(page.AttributeElements.Paging.Total)
		if err != nil {
			return fmt.Errorf("list elements: %w", err)
		}
		if len(items) > 0 {
			if err := fn(items); err != nil {
				return err
			}
		}
		offset += len(items)
		if len(items) == 0 || offset >= total {
			return nil
		}
	}
}

// parseTotal accepts the paging total as either a JSON number or a string.
func parseTotal(raw json.RawMessage) (int, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" {
		return 0, nil
	}
	total, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse paging total %q: %w", text, err)
	}
	return total, nil
}

// CreateMetric stores a new metric object and returns its URI.
func (c *Client) CreateMetric(ctx context.Context, project, title, expression string) (string, error) {
	body := map[string]any{
		"metric": map[string]any{
			"meta": map[string]any{
				"title":    title,
				"category": "metric",
			},
			"content": map[string]any{
				"expression": expression,
			},
		},
	}
	var resp struct {
		URI string `json:"uri"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/gdc/md/%s/obj", project), body, &resp); err != nil {
		return "", fmt.Errorf("create metric: %w", err)
	}
	return resp.URI, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	url := c.host + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, URL: url, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ObjectID returns the trailing object id of an "/obj/<id>" link.
func ObjectID(link string) string {
	if i := strings.LastIndex(link, "/obj/"); i >= 0 {
		return link[i+len("/obj/"):]
	}
	return link
}

// ElementID returns the "?id=" value of an element URI, or "UNKNOWN".
func ElementID(uri string) string {
	if _, id, ok := strings.Cut(uri, "?id="); ok {
		return id
	}
	return "UNKNOWN"
}
