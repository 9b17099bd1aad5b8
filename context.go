package ctxz

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zoobzio/clockz"
)

// Context is the per-request bundle of identifier, log fields, and
// timing spans. Safe for concurrent use by multiple goroutines.
//
// A Context may be reachable through several store keys at once (see
// Manager.Enter); all of them see the same fields and spans.
type Context struct {
	spans  *SpanSet
	fields map[Field]string
	id     string
	mu     sync.Mutex
}

func newContext(id string, clock clockz.Clock) *Context {
	return &Context{
		id:    id,
		spans: newSpanSet(clock),
	}
}

// Identifier returns the context's identifier.
func (c *Context) Identifier() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetIdentifier replaces the context's identifier.
func (c *Context) SetIdentifier(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// AddField sets a log field if the key is absent. First write wins;
// a later AddField for the same key is a no-op. Use SetField to
// overwrite.
func (c *Context) AddField(key Field, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fields == nil {
		c.fields = make(map[Field]string)
	}
	if _, ok := c.fields[key]; ok {
		return
	}
	c.fields[key] = value
}

// SetField sets a log field, overwriting any existing value.
func (c *Context) SetField(key Field, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fields == nil {
		c.fields = make(map[Field]string)
	}
	c.fields[key] = value
}

// Field retrieves a log field value by key.
func (c *Context) Field(key Field) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.fields[key]
	return value, ok
}

// NewRecorder creates a Timer registered with the context's SpanSet.
func (c *Context) NewRecorder(name string) *Timer {
	// The SpanSet does its own locking, so timer emission never
	// contends with field writes.
	c.mu.Lock()
	spans := c.spans
	c.mu.Unlock()

	return spans.NewRecorder(name)
}

// Report renders the identifier, log fields ascending by key, and the
// merged spans:
//
//	[identifier: req-42] [cache: hit] [db_lookup: 1.250(ms)]
func (c *Context) Report() string {
	c.mu.Lock()

	var b strings.Builder
	fmt.Fprintf(&b, "[identifier: %s]", c.id)

	keys := make([]string, 0, len(c.fields))
	for key := range c.fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " [%s: %s]", key, c.fields[key])
	}

	spans := c.spans
	c.mu.Unlock()

	// Report finalizes live timers, which emit back into the SpanSet;
	// the context lock must not be held across that.
	if s := spans.Report(); s != "" {
		b.WriteByte(' ')
		b.WriteString(s)
	}
	return b.String()
}
