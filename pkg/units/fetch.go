package units

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

const maxFetch = 1 << 20

// Fetch proxies a GET to a fixed URL using the sandbox's HTTP client.
type Fetch struct {
	unit
	url     string
	timeout time.Duration

	once   sync.Once
	client *http.Client
}

func newFetch(h *deploy.Handle) (server.Service, error) {
	raw := h.Param("url")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("units: %s: fetch needs an http(s) url, got %q", h.Name, raw)
	}
	return &Fetch{
		unit:    unit{h},
		url:     raw,
		timeout: time.Duration(h.IntParam("timeout", 10000)) * time.Millisecond,
	}, nil
}

// Filter copies the upstream status, type and body.
func (f *Fetch) Filter(ev *server.Event) error {
	ctx, cancel := context.WithTimeout(ev.Context(), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}
	// Every event of a chain carries the same sandbox.
	f.once.Do(func() { f.client = ev.Sandbox().HTTPClient() })
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	ev.Touch()

	reply := ev.Reply()
	reply.SetCode(resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		reply.SetType(ct)
	}
	_, err = io.Copy(reply, io.LimitReader(touching{resp.Body, ev}, maxFetch))
	return err
}

// touching keeps the event active while an upstream body streams in.
type touching struct {
	r  io.Reader
	ev *server.Event
}

func (t touching) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.ev.Touch()
	}
	return n, err
}
