// Package httpbinding is a device client for Things that expose the WoT
// HTTP protocol binding. Each operation is resolved from the affordance's
// forms: the first form whose op lists the operation (or that lists no op
// at all) is used, its href is resolved against the Thing's base, and the
// request method comes from htv:methodName or the operation's default.
package httpbinding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/macc-n/wot-mcp/device"
	"github.com/macc-n/wot-mcp/td"
)

// Operation types from the TD vocabulary.
const (
	OpReadProperty  = "readproperty"
	OpWriteProperty = "writeproperty"
	OpInvokeAction  = "invokeaction"
)

var defaultMethods = map[string]string{
	OpReadProperty:  http.MethodGet,
	OpWriteProperty: http.MethodPut,
	OpInvokeAction:  http.MethodPost,
}

// ErrNoForm is returned when an affordance has no form for the operation.
var ErrNoForm = errors.New("no form for operation")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("device responded %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("device responded %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// Client is safe for concurrent use.
type Client struct {
	http *http.Client
	log  *slog.Logger

	mu     sync.RWMutex
	things map[string]*td.ThingDescription
}

var (
	_ device.Client = (*Client)(nil)
	_ device.Binder = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout bounds every device request.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			c := *cl.http
			c.Timeout = d
			cl.http = &c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// New returns a Client with no things bound.
func New(opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 10 * time.Second},
		log:    slog.New(slog.DiscardHandler),
		things: make(map[string]*td.ThingDescription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind associates thingID with the description whose forms are used to
// reach it.
func (c *Client) Bind(thingID string, desc *td.ThingDescription) {
	c.mu.Lock()
	c.things[thingID] = desc
	c.mu.Unlock()
}

func (c *Client) ReadProperty(ctx context.Context, thingID, name string) (any, error) {
	desc, err := c.thing(thingID)
	if err != nil {
		return nil, err
	}
	p, ok := property(desc, name)
	if !ok {
		return nil, fmt.Errorf("%w: property %s", device.ErrUnknownAffordance, name)
	}
	return c.do(ctx, desc, p.Forms, OpReadProperty, nil, false)
}

func (c *Client) WriteProperty(ctx context.Context, thingID, name string, value any) error {
	desc, err := c.thing(thingID)
	if err != nil {
		return err
	}
	p, ok := property(desc, name)
	if !ok {
		return fmt.Errorf("%w: property %s", device.ErrUnknownAffordance, name)
	}
	_, err = c.do(ctx, desc, p.Forms, OpWriteProperty, value, true)
	return err
}

func (c *Client) InvokeAction(ctx context.Context, thingID, name string, params any) (any, error) {
	desc, err := c.thing(thingID)
	if err != nil {
		return nil, err
	}
	var (
		a  *td.ActionAffordance
		ok bool
	)
	if desc.Actions != nil {
		a, ok = desc.Actions.Get(name)
	}
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: action %s", device.ErrUnknownAffordance, name)
	}
	return c.do(ctx, desc, a.Forms, OpInvokeAction, params, params != nil)
}

func (c *Client) thing(thingID string) (*td.ThingDescription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.things[thingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrUnknownThing, thingID)
	}
	return d, nil
}

func (c *Client) do(ctx context.Context, desc *td.ThingDescription, forms []td.Form, op string, body any, withBody bool) (any, error) {
	form, err := selectForm(forms, op)
	if err != nil {
		return nil, err
	}
	target, err := resolve(desc.Base, form.Href)
	if err != nil {
		return nil, err
	}
	method := form.MethodName
	if method == "" {
		method = defaultMethods[op]
	}
	contentType := form.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	var rd io.Reader
	if withBody {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", contentType)
	if withBody {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.log.DebugContext(ctx, "httpbinding.request.fail", slog.String("op", op), slog.String("url", target), slog.String("err", err.Error()))
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.log.DebugContext(ctx, "httpbinding.request.ok",
		slog.String("op", op),
		slog.String("method", method),
		slog.String("url", target),
		slog.Int("status", res.StatusCode),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		// Devices sometimes answer with plain text.
		return strings.TrimSpace(string(data)), nil
	}
	return out, nil
}

func property(desc *td.ThingDescription, name string) (*td.PropertyAffordance, bool) {
	if desc.Properties == nil {
		return nil, false
	}
	p, ok := desc.Properties.Get(name)
	return p, ok && p != nil
}

func selectForm(forms []td.Form, op string) (td.Form, error) {
	for _, f := range forms {
		if len(f.Op) == 0 || f.Op.Has(op) {
			return f, nil
		}
	}
	return td.Form{}, fmt.Errorf("%w %s", ErrNoForm, op)
}

func resolve(base, href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	if ref.IsAbs() || base == "" {
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	return b.ResolveReference(ref).String(), nil
}
