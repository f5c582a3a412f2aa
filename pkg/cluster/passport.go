package cluster

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/rupy-dev/rupy/pkg/deploy"
)

// Passport is a controller listener backed by a passport file.
//
// Auth messages are checked against the tenant's pass in the file. Host
// messages approve the configured hosts and every tenant in the file.
// Packet messages approve the configured nodes.
type Passport struct {
	file   string
	nodes  map[string]bool
	hosts  map[string]bool
	logger *slog.Logger
}

// PassportOption configures a Passport.
type PassportOption func(*Passport)

// WithNodes sets the nodes whose packets are delivered.
func WithNodes(nodes ...string) PassportOption {
	return func(p *Passport) {
		for _, n := range nodes {
			p.nodes[n] = true
		}
	}
}

// WithHosts sets extra hosts approved for the domain archive.
func WithHosts(hosts ...string) PassportOption {
	return func(p *Passport) {
		for _, h := range hosts {
			p.hosts[strings.ToLower(h)] = true
		}
	}
}

// WithPassportLogger sets the logger.
func WithPassportLogger(l *slog.Logger) PassportOption {
	return func(p *Passport) { p.logger = l }
}

// NewPassport returns a controller reading file.
func NewPassport(file string, opts ...PassportOption) *Passport {
	if file == "" {
		file = deploy.DefaultPassport
	}
	p := &Passport{
		file:   file,
		nodes:  make(map[string]bool),
		hosts:  make(map[string]bool),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "passport")
	return p
}

// Receive answers one controller message.
func (p *Passport) Receive(raw string) (string, error) {
	m, err := Parse(raw)
	if err != nil {
		return "", err
	}
	switch m.Type {
	case "auth":
		return p.auth(m)
	case "host":
		return p.host(m.Host)
	case "packet":
		return verdict(p.nodes[m.From]), nil
	}
	return "", fmt.Errorf("cluster: unknown message type %q", m.Type)
}

func (p *Passport) auth(m Message) (string, error) {
	passport, err := deploy.ReadPassport(p.file)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(strings.TrimSuffix(m.File, deploy.BundleExt))
	key, ok := passport.Pass(host)
	if !ok {
		p.logger.Warn("deploy from unknown host", "host", host, "remote", m.Remote)
		return "Host not in passport.", nil
	}
	if !deploy.Equal(deploy.Salt(m.Digest, key, m.Cookie), m.Pass) {
		return "Pass verification failed.", nil
	}
	return OK, nil
}

func (p *Passport) host(host string) (string, error) {
	host = strings.ToLower(host)
	if p.hosts[host] {
		return OK, nil
	}
	passport, err := deploy.ReadPassport(p.file)
	if err != nil {
		return "", err
	}
	_, ok := passport.Pass(host)
	return verdict(ok), nil
}
