package cluster

import (
	"errors"

	"github.com/tidwall/gjson"
)

// OK is the controller answer that approves a message.
const OK = "OK"

// ErrMalformed is returned for messages that are not JSON objects with a type.
var ErrMalformed = errors.New("cluster: malformed message")

// Message is a parsed controller message.
type Message struct {
	Type    string
	File    string
	Remote  string
	Digest  string
	Pass    string
	Cookie  string
	Cluster bool
	Host    string
	From    string
	Body    string
}

// Parse decodes a controller message.
func Parse(raw string) (Message, error) {
	if !gjson.Valid(raw) {
		return Message{}, ErrMalformed
	}
	r := gjson.Parse(raw)
	typ := r.Get("type")
	if !r.IsObject() || typ.Type != gjson.String || typ.Str == "" {
		return Message{}, ErrMalformed
	}
	return Message{
		Type:    typ.Str,
		File:    r.Get("file").String(),
		Remote:  r.Get("remote").String(),
		Digest:  r.Get("digest").String(),
		Pass:    r.Get("pass").String(),
		Cookie:  r.Get("cookie").String(),
		Cluster: r.Get("cluster").Bool(),
		Host:    r.Get("host").String(),
		From:    r.Get("from").String(),
		Body:    r.Get("body").String(),
	}, nil
}

func verdict(ok bool) string {
	if ok {
		return OK
	}
	return "Nope"
}
