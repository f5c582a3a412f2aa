package cluster

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/server"
)

func TestParse(t *testing.T) {
	m, err := Parse(server.AuthMessage("a.com.zip", "10.0.0.1", "d1", "p1", "n1", true))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := Message{Type: "auth", File: "a.com.zip", Remote: "10.0.0.1", Digest: "d1", Pass: "p1", Cookie: "n1", Cluster: true}
	if m != want {
		t.Errorf("Parse() = %+v, want %+v", m, want)
	}

	for _, raw := range []string{"", "nope", "[1,2]", `{"file":"x"}`, `{"type":3}`} {
		if _, err := Parse(raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestPassportReceive(t *testing.T) {
	file := filepath.Join(t.TempDir(), "passport")
	if err := os.WriteFile(file, []byte("a.com=alpha\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := NewPassport(file, WithNodes("one"), WithHosts("Partner.com"))
	digest := deploy.Digest([]byte("bundle"))

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"auth ok", server.AuthMessage("a.com.zip", "", digest, deploy.Salt(digest, "alpha", "n"), "n", false), OK},
		{"auth wrong pass", server.AuthMessage("a.com.zip", "", digest, deploy.Salt(digest, "beta", "n"), "n", false), "Pass verification failed."},
		{"auth replayed nonce", server.AuthMessage("a.com.zip", "", digest, deploy.Salt(digest, "alpha", "n"), "m", false), "Pass verification failed."},
		{"auth www", server.AuthMessage("www.a.com.zip", "", digest, deploy.Salt(digest, "alpha", "n"), "n", false), OK},
		{"auth unknown host", server.AuthMessage("b.com.zip", "", digest, deploy.Salt(digest, "alpha", "n"), "n", false), "Host not in passport."},
		{"host listed", server.HostMessage("partner.com"), OK},
		{"host in passport", server.HostMessage("a.com"), OK},
		{"host unknown", server.HostMessage("c.com"), "Nope"},
		{"packet known", server.PacketMessage("one", "x"), OK},
		{"packet unknown", server.PacketMessage("two", "x"), "Nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Receive(tt.msg)
			if err != nil || got != tt.want {
				t.Errorf("Receive() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}

	if _, err := p.Receive(`{"type":"other"}`); err == nil {
		t.Error("Receive() of an unknown type succeeded")
	}
	if _, err := p.Receive("garbage"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Receive(garbage) error = %v", err)
	}
}
