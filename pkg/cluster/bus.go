package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

const (
	// MaxPacket bounds a packet including its header.
	MaxPacket = 256

	// DefaultChannel prefixes the channel names.
	DefaultChannel = "rupy"
)

var (
	// ErrTooLong is returned by Broadcast for packets over MaxPacket bytes.
	ErrTooLong = errors.New("cluster: message is too long")

	// ErrSubscriptionClosed is returned by Run when the transport drops the
	// subscription.
	ErrSubscriptionClosed = errors.New("cluster: subscription closed")
)

// Listener receives approved packets, header included.
type Listener interface {
	Receive(packet []byte) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(packet []byte) error

// Receive calls f.
func (f ListenerFunc) Receive(packet []byte) error { return f(packet) }

var _ deploy.Propagator = (*Bus)(nil)

// Bus broadcasts packets and deploy notices between nodes.
type Bus struct {
	transport Transport
	server    *server.Server
	loader    *deploy.Loader
	node      string
	packets   string
	deploys   string
	logger    *slog.Logger

	mu        sync.RWMutex
	listeners map[uint64]Listener
	next      uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusNode names this node. The default is the host name.
func WithBusNode(node string) BusOption {
	return func(b *Bus) { b.node = node }
}

// WithChannel sets the channel prefix.
func WithChannel(prefix string) BusOption {
	return func(b *Bus) {
		if prefix != "" {
			b.packets = prefix + ":packet"
			b.deploys = prefix + ":deploy"
		}
	}
}

// WithLoader lets the bus deploy bundles announced by other nodes.
func WithLoader(l *deploy.Loader) BusOption {
	return func(b *Bus) { b.loader = l }
}

// NewBus returns a bus for s over t.
func NewBus(t Transport, s *server.Server, opts ...BusOption) *Bus {
	b := &Bus{
		transport: t,
		server:    s,
		listeners: make(map[uint64]Listener),
	}
	WithChannel(DefaultChannel)(b)
	for _, opt := range opts {
		opt(b)
	}
	if b.node == "" {
		b.node, _ = os.Hostname()
	}
	b.logger = s.Logger().With("component", "cluster", "node", b.node)
	return b
}

// Node returns this node's name.
func (b *Bus) Node() string { return b.node }

// Add registers a listener and returns a function that removes it.
func (b *Bus) Add(l Listener) (remove func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = l
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Header returns the packet header for a bundle file name: its name parts
// reversed without the extension, then the node. An empty name stands for
// the domain bundle.
func (b *Bus) Header(bundle string) string {
	if bundle == "" {
		bundle = b.server.Config().Domain + deploy.BundleExt
	}
	parts := strings.Split(bundle, ".")
	if len(parts) > 1 {
		parts = parts[:len(parts)-1]
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteString(parts[i])
		sb.WriteByte('.')
	}
	sb.WriteString(b.node)
	return sb.String()
}

// Broadcast sends payload to every node on behalf of bundle.
func (b *Bus) Broadcast(ctx context.Context, bundle string, payload []byte) error {
	header := b.Header(bundle)
	if len(header)+len(payload) > MaxPacket {
		return fmt.Errorf("%w (%s %d)", ErrTooLong, header, len(payload))
	}
	data := make([]byte, 0, len(b.node)+1+len(header)+len(payload))
	data = append(data, b.node...)
	data = append(data, '\n')
	data = append(data, header...)
	data = append(data, payload...)
	return b.transport.Publish(ctx, b.packets, data)
}

// Propagate announces a deployed bundle so the other nodes fetch it from the
// mirror.
func (b *Bus) Propagate(ctx context.Context, bundle *deploy.Bundle) error {
	notice, err := json.Marshal(map[string]string{
		"type": "deploy",
		"file": bundle.Name(),
		"id":   bundle.ID().String(),
		"from": b.node,
	})
	if err != nil {
		return err
	}
	return b.transport.Publish(ctx, b.deploys, notice)
}

// Run receives packets and deploy notices until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	sub, err := b.transport.Subscribe(ctx, b.packets, b.deploys)
	if err != nil {
		return fmt.Errorf("cluster: subscribe: %w", err)
	}
	defer sub.Close()
	b.logger.Info("cluster subscribed", "channels", []string{b.packets, b.deploys})

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.Messages():
			if !ok {
				return ErrSubscriptionClosed
			}
			switch env.Channel {
			case b.packets:
				b.packet(env.Data)
			case b.deploys:
				b.notice(ctx, env.Data)
			}
		}
	}
}

// approve asks the controller about a packet. Without a controller every
// packet is approved.
func (b *Bus) approve(from string, body []byte) bool {
	msg := server.PacketMessage(from, string(body))
	answer, err := b.server.Send(msg)
	if err != nil {
		b.logger.Warn("packet check failed", "from", from, "error", err)
		return false
	}
	return answer == OK || answer == msg
}

func (b *Bus) packet(data []byte) {
	from, packet, ok := bytes.Cut(data, []byte{'\n'})
	if !ok || len(packet) > MaxPacket {
		b.logger.Debug("packet dropped", "length", len(data))
		return
	}
	if !b.approve(string(from), packet) {
		b.logger.Debug("packet refused", "from", string(from))
		return
	}
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.RUnlock()
	for _, l := range listeners {
		if err := l.Receive(packet); err != nil {
			b.logger.Warn("cluster listener failed", "from", string(from), "error", err)
		}
	}
}

func (b *Bus) notice(ctx context.Context, data []byte) {
	if !gjson.ValidBytes(data) {
		return
	}
	from := gjson.GetBytes(data, "from").String()
	file := gjson.GetBytes(data, "file").String()
	if from == b.node || b.loader == nil || b.loader.Mirror() == nil {
		return
	}
	if !b.approve(from, data) {
		b.logger.Warn("deploy notice refused", "from", from, "bundle", file)
		return
	}
	path, err := b.loader.Fetch(ctx, file)
	if err != nil {
		b.logger.Error("propagated deploy failed", "from", from, "bundle", file, "error", err)
		return
	}
	if _, err := b.loader.Deploy(ctx, path, nil); err != nil {
		b.logger.Error("propagated deploy failed", "from", from, "bundle", file, "error", err)
		return
	}
	b.logger.Info("propagated deploy", "from", from, "bundle", file,
		"id", gjson.GetBytes(data, "id").String())
}
