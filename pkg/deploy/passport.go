package deploy

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// DefaultPassport is the properties file hosted deploys fall back on when no
// controller answers the auth message.
const DefaultPassport = "passport"

// Passport maps tenant hosts to their deploy pass.
type Passport map[string]string

// ReadPassport loads a passport file. A missing file is an empty passport.
func ReadPassport(name string) (Passport, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return Passport{}, nil
		}
		return nil, err
	}
	defer f.Close()
	return ParsePassport(f)
}

// ParsePassport reads host=pass lines. Blank lines and lines starting with
// '#' or '!' are skipped; ':' is accepted as the separator too.
func ParsePassport(r io.Reader) (Passport, error) {
	p := Passport{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		i := strings.IndexAny(line, "=:")
		if i < 0 {
			p[line] = ""
			continue
		}
		p[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return p, sc.Err()
}

// Pass returns the pass of host, trying the bare host for www. names.
func (p Passport) Pass(host string) (string, bool) {
	if pass, ok := p[host]; ok && pass != "" {
		return pass, true
	}
	if bare, ok := strings.CutPrefix(host, "www."); ok {
		if pass, ok := p[bare]; ok && pass != "" {
			return pass, true
		}
	}
	return "", false
}
