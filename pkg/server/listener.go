package server

import (
	"encoding/json"
	"strconv"
)

// Listener receives controller messages sent with Server.Send.
//
// Messages are JSON objects with a "type" field: "auth" asks whether a
// hosted deploy may proceed, "host" whether a host may use the domain
// archive and "packet" whether a cluster packet may be delivered.
type Listener interface {
	Receive(message string) (string, error)
}

// ErrorListener is notified of every request failure. Returning true
// suppresses the default error log record.
type ErrorListener interface {
	Error(ev *Event, err error) bool
}

// SetListener installs the controller listener.
func (s *Server) SetListener(l Listener) {
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()
}

// SetErrorListener installs the error listener.
func (s *Server) SetErrorListener(l ErrorListener) {
	s.listenerMu.Lock()
	s.errorListener = l
	s.listenerMu.Unlock()
}

// Send delivers message to the controller listener. Without a listener the
// message is returned unchanged.
func (s *Server) Send(message string) (string, error) {
	s.listenerMu.RLock()
	l := s.listener
	s.listenerMu.RUnlock()
	if l == nil {
		return message, nil
	}
	return l.Receive(message)
}

func message(fields map[string]string) string {
	data, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// AuthMessage asks the controller to authorize a hosted deploy. digest is
// the hash of the uploaded bundle, pass the credential the deployer derived
// from it and nonce the cookie it was salted with.
func AuthMessage(file, remote, digest, pass, nonce string, cluster bool) string {
	return message(map[string]string{
		"type":    "auth",
		"file":    file,
		"remote":  remote,
		"digest":  digest,
		"pass":    pass,
		"cookie":  nonce,
		"cluster": strconv.FormatBool(cluster),
	})
}

// HostMessage asks the controller whether host may use the domain archive.
func HostMessage(host string) string {
	return message(map[string]string{"type": "host", "host": host})
}

// PacketMessage asks the controller whether a cluster packet may be delivered.
func PacketMessage(from, body string) string {
	return message(map[string]string{"type": "packet", "from": from, "body": body})
}
