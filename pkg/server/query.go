package server

import (
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// maxFormBody bounds url-encoded bodies parsed by Query.Parse.
const maxFormBody = 1 << 20

// Query is the parsed request of an Event.
type Query struct {
	req    *http.Request
	values url.Values
	parsed bool
}

func newQuery(req *http.Request) *Query {
	return &Query{req: req, values: req.URL.Query()}
}

// Request returns the underlying request.
func (q *Query) Request() *http.Request { return q.req }

// Method returns the request method.
func (q *Query) Method() string { return q.req.Method }

// Path returns the request path.
func (q *Query) Path() string { return q.req.URL.Path }

// RawQuery returns the encoded query string without '?'.
func (q *Query) RawQuery() string { return q.req.URL.RawQuery }

// Host returns the Host header without port.
func (q *Query) Host() string {
	host := q.req.Host
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(host)
}

// Header returns the named header.
func (q *Query) Header(name string) string { return q.req.Header.Get(name) }

// Headers returns every request header.
func (q *Query) Headers() http.Header { return q.req.Header }

// Cookie returns the named cookie value.
func (q *Query) Cookie(name string) string {
	c, err := q.req.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Body returns the request body.
func (q *Query) Body() io.Reader { return q.req.Body }

// Parse reads an url-encoded POST body into the query values.
func (q *Query) Parse() error {
	if q.parsed {
		return nil
	}
	q.parsed = true
	if q.req.Method != http.MethodPost {
		return nil
	}
	ct, _, _ := mime.ParseMediaType(q.req.Header.Get("Content-Type"))
	if ct != "application/x-www-form-urlencoded" {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(q.req.Body, maxFormBody))
	if err != nil {
		return err
	}
	form, err := url.ParseQuery(string(data))
	if err != nil {
		return err
	}
	for k, vs := range form {
		q.values[k] = append(q.values[k], vs...)
	}
	return nil
}

// Values returns the query values.
func (q *Query) Values() url.Values { return q.values }

// String returns the first value of key.
func (q *Query) String(key string) string { return q.values.Get(key) }

// Int returns key parsed as an int, or def.
func (q *Query) Int(key string, def int) int {
	v, err := strconv.Atoi(q.values.Get(key))
	if err != nil {
		return def
	}
	return v
}

// Bool returns true when key is "true", "1" or "on".
func (q *Query) Bool(key string) bool {
	switch strings.ToLower(q.values.Get(key)) {
	case "true", "1", "on":
		return true
	}
	return false
}
