package server

import (
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// content serves a static file extracted from a bundle when no chain
// matches the request.
func (s *Server) content(ev *Event) error {
	q := ev.query
	reply := ev.reply

	clean := path.Clean("/" + q.Path())
	if strings.HasSuffix(clean, "/") || clean == "/" {
		clean = path.Join(clean, "index.html")
	}

	var file *os.File
	var info fs.FileInfo
	for _, dir := range s.contentDirs(q.Host(), ev.approved) {
		name := filepath.Join(dir, filepath.FromSlash(clean))
		f, err := os.Open(name)
		if err != nil {
			continue
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			continue
		}
		if st.IsDir() {
			f.Close()
			f, err = os.Open(filepath.Join(name, "index.html"))
			if err != nil {
				continue
			}
			if st, err = f.Stat(); err != nil {
				f.Close()
				continue
			}
		}
		file, info = f, st
		break
	}

	if file == nil {
		reply.SetCode(http.StatusNotFound)
		reply.SetType("text/plain; charset=UTF-8")
		_, err := fmt.Fprintf(reply, "Not found %s\n", clean)
		return err
	}
	modified := info.ModTime().UTC().Truncate(time.Second)
	reply.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
	if s.config.Live {
		reply.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(s.config.Cache.Seconds())))
	}
	if since, err := http.ParseTime(q.Header("If-Modified-Since")); err == nil && !modified.After(since) {
		file.Close()
		reply.SetCode(http.StatusNotModified)
		return nil
	}

	ct := mime.TypeByExtension(path.Ext(info.Name()))
	if ct == "" {
		ct = "application/octet-stream"
	}
	reply.SetType(ct)
	reply.Send(file, info.Size())
	return nil
}

// contentDirs lists the directories searched for static files.
func (s *Server) contentDirs(host string, approved func(string) bool) []string {
	root := s.config.Root
	if !s.config.Host {
		return []string{filepath.Join(root, ContentHost)}
	}
	if host == "" || strings.ContainsAny(host, `/\`) || strings.HasPrefix(host, ".") {
		return nil
	}
	dirs := []string{filepath.Join(root, host), filepath.Join(root, "www."+host)}
	if approved(host) {
		dirs = append(dirs, filepath.Join(root, s.config.Domain))
	}
	return dirs
}
