package page

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Snapshot is the serialized form of a Page used for persistence
type Snapshot struct {
	URL          string          `json:"url"`
	Headers      json.RawMessage `json:"headers"`
	Data         json.RawMessage `json:"data"`
	Body         []byte          `json:"body"`
	Links        []string        `json:"links"`
	Code         Int             `json:"code"`
	Visited      bool            `json:"visited"`
	Depth        Int             `json:"depth"`
	Referer      string          `json:"referer"`
	RedirectTo   string          `json:"redirect_to"`
	ResponseTime Int             `json:"response_time"` // milliseconds
	Fetched      bool            `json:"fetched"`
}

// Int is an integer that also decodes from a JSON string, an empty string or null
type Int int64

// UnmarshalJSON accepts 12, "12", "" and null
func (n *Int) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", s, err)
		}
		*n = Int(v)
		return nil
	}

	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = Int(v)
	return nil
}

// Snapshot serializes the page. It computes the links if they were not computed yet.
func (p *Page) Snapshot() (Snapshot, error) {
	headers, err := json.Marshal(p.headers)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to marshal headers: %w", err)
	}

	data, err := json.Marshal(p.Data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to marshal user data: %w", err)
	}

	links := p.Links()
	linkStrings := make([]string, 0, len(links))
	for _, l := range links {
		linkStrings = append(linkStrings, l.String())
	}

	return Snapshot{
		URL:          p.url.String(),
		Headers:      headers,
		Data:         data,
		Body:         p.body,
		Links:        linkStrings,
		Code:         Int(p.code),
		Visited:      p.Visited,
		Depth:        Int(p.depth),
		Referer:      urlString(p.referer),
		RedirectTo:   urlString(p.redirectTo),
		ResponseTime: Int(p.responseTime.Milliseconds()),
		Fetched:      p.fetched,
	}, nil
}

// FromSnapshot rebuilds a page from its snapshot. The stored links become the
// page's cached link set; they are not recomputed from the body.
func FromSnapshot(s Snapshot) (*Page, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page URL: %w", err)
	}

	headers := Header{}
	if len(s.Headers) > 0 {
		if err := json.Unmarshal(s.Headers, &headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
	}

	data := UserData{}
	if len(s.Data) > 0 && !bytes.Equal(s.Data, []byte("null")) {
		if err := json.Unmarshal(s.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user data: %w", err)
		}
	}

	links := make([]*url.URL, 0, len(s.Links))
	for _, l := range s.Links {
		lu, err := url.Parse(l)
		if err != nil {
			return nil, fmt.Errorf("failed to parse link %q: %w", l, err)
		}
		links = append(links, lu)
	}

	referer, err := optionalURL(s.Referer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse referer: %w", err)
	}
	redirectTo, err := optionalURL(s.RedirectTo)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redirect target: %w", err)
	}

	p := New(u, Options{
		Code:         int(s.Code),
		Headers:      headers,
		Body:         s.Body,
		Referer:      referer,
		Depth:        int(s.Depth),
		RedirectTo:   redirectTo,
		ResponseTime: time.Duration(s.ResponseTime) * time.Millisecond,
	})
	p.fetched = s.Fetched
	p.Data = data
	p.Visited = s.Visited
	p.links = links
	p.linksOnce.Do(func() {})

	return p, nil
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

func optionalURL(s string) (*url.URL, error) {
	if s == "" {
		return nil, nil
	}
	return url.Parse(s)
}
