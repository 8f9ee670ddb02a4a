package fetch

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// CookieJar accumulates Set-Cookie response headers and renders the Cookie
// request header. One jar is shared by every fetch of a session, so
// implementations used by concurrent fetches must be safe for concurrent use.
type CookieJar interface {
	// String renders the jar as a Cookie header value
	String() string
	// Empty reports whether the jar holds no cookies
	Empty() bool
	// Merge applies Set-Cookie header values to the jar
	Merge(setCookies []string)
}

// MemoryJar is a CookieJar keyed by cookie name. It is safe for concurrent use.
type MemoryJar struct {
	mu     sync.Mutex
	names  []string
	values map[string]string
}

// NewMemoryJar creates a jar seeded from a Cookie header style string such
// as "a=1; b=2". Malformed pairs are ignored.
func NewMemoryJar(seed string) *MemoryJar {
	j := &MemoryJar{values: make(map[string]string)}
	for _, part := range strings.Split(seed, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cookies, err := http.ParseCookie(part)
		if err != nil {
			continue
		}
		for _, c := range cookies {
			j.set(c.Name, c.Value)
		}
	}
	return j
}

// String renders "name=value; name2=value2" in first-set order
func (j *MemoryJar) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	pairs := make([]string, 0, len(j.names))
	for _, name := range j.names {
		pairs = append(pairs, name+"="+j.values[name])
	}
	return strings.Join(pairs, "; ")
}

// Empty reports whether the jar holds no cookies
func (j *MemoryJar) Empty() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.names) == 0
}

// Merge applies Set-Cookie values. Expired cookies are removed.
func (j *MemoryJar) Merge(setCookies []string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	for _, line := range setCookies {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			j.remove(c.Name)
			continue
		}
		j.set(c.Name, c.Value)
	}
}

func (j *MemoryJar) set(name, value string) {
	if _, ok := j.values[name]; !ok {
		j.names = append(j.names, name)
	}
	j.values[name] = value
}

func (j *MemoryJar) remove(name string) {
	if _, ok := j.values[name]; !ok {
		return
	}
	delete(j.values, name)
	for i, n := range j.names {
		if n == name {
			j.names = append(j.names[:i], j.names[i+1:]...)
			break
		}
	}
}

var _ CookieJar = (*MemoryJar)(nil)
