package units

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

// Text writes a fixed body.
type Text struct {
	unit
	body  string
	ctype string
	code  int
}

func newText(h *deploy.Handle) (server.Service, error) {
	t := &Text{
		unit:  unit{h},
		body:  h.Param("body"),
		ctype: h.Param("type"),
		code:  h.IntParam("code", http.StatusOK),
	}
	if http.StatusText(t.code) == "" {
		return nil, fmt.Errorf("units: %s: invalid code %d", h.Name, t.code)
	}
	return t, nil
}

// Filter writes the body and lets the chain continue.
func (t *Text) Filter(ev *server.Event) error {
	reply := ev.Reply()
	if t.code != http.StatusOK {
		reply.SetCode(t.code)
	}
	if t.ctype != "" {
		reply.SetType(t.ctype)
	}
	_, err := reply.WriteString(t.body)
	return err
}

// Redirect answers with a redirect and halts the chain.
type Redirect struct {
	unit
	location string
	code     int
}

func newRedirect(h *deploy.Handle) (server.Service, error) {
	r := &Redirect{
		unit:     unit{h},
		location: h.Param("location"),
		code:     h.IntParam("code", http.StatusFound),
	}
	if r.location == "" {
		return nil, fmt.Errorf("units: %s: redirect needs a location", h.Name)
	}
	if r.code < 300 || r.code > 399 {
		return nil, fmt.Errorf("units: %s: %d is not a redirect code", h.Name, r.code)
	}
	return r, nil
}

// Filter redirects.
func (r *Redirect) Filter(ev *server.Event) error {
	reply := ev.Reply()
	reply.Redirect(r.location)
	reply.SetCode(r.code)
	return ev.Halt()
}

// Echo writes the request line and its parsed parameters back.
type Echo struct {
	unit
}

func newEcho(h *deploy.Handle) (server.Service, error) {
	return &Echo{unit{h}}, nil
}

// Filter echoes the request.
func (e *Echo) Filter(ev *server.Event) error {
	q := ev.Query()
	if err := q.Parse(); err != nil {
		return err
	}
	reply := ev.Reply()
	reply.SetType("text/plain; charset=utf-8")
	reply.Printf("%s %s\n", q.Method(), q.Path())

	values := q.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range values[k] {
			reply.Printf("%s=%s\n", k, v)
		}
	}
	return nil
}
