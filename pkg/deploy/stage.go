package deploy

import (
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/rupy-dev/rupy/pkg/sandbox"
)

// staging holds the resources of a bundle being loaded until it is known to
// be good. Files it replaces in the host root are kept aside so a late
// failure can put them back.
type staging struct {
	fs     *sandbox.Context
	logger *slog.Logger

	root   string
	dir    string
	backup string
	files  []string

	created  []string
	replaced []string
}

func (l *Loader) stage(host, root string) *staging {
	id := uuid.NewString()
	return &staging{
		fs:     l.deployer,
		logger: l.logger,
		root:   root,
		dir:    filepath.Join(l.config.Root, "."+host+"."+id+".stage"),
		backup: filepath.Join(l.config.Root, "."+host+"."+id+".backup"),
	}
}

// commit moves every staged file over the host root.
func (st *staging) commit() error {
	for _, rel := range st.files {
		dst := filepath.Join(st.root, rel)
		if _, err := st.fs.Stat(dst); err == nil {
			saved := filepath.Join(st.backup, rel)
			if err := st.fs.MkdirAll(filepath.Dir(saved), 0o755); err != nil {
				return err
			}
			if err := st.fs.Rename(dst, saved); err != nil {
				return err
			}
			st.replaced = append(st.replaced, rel)
		} else if errors.Is(err, fs.ErrNotExist) {
			st.created = append(st.created, rel)
		} else {
			return err
		}
		if err := st.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := st.fs.Rename(filepath.Join(st.dir, rel), dst); err != nil {
			return err
		}
	}
	return nil
}

// rollback undoes commit.
func (st *staging) rollback() {
	for _, rel := range st.created {
		if err := st.fs.Remove(filepath.Join(st.root, rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			st.logger.Warn("rollback failed", "file", rel, "error", err)
		}
	}
	for _, rel := range st.replaced {
		if err := st.fs.Rename(filepath.Join(st.backup, rel), filepath.Join(st.root, rel)); err != nil {
			st.logger.Warn("rollback failed", "file", rel, "error", err)
		}
	}
	st.created, st.replaced = nil, nil
}

// clean removes the staging and backup directories.
func (st *staging) clean() {
	for _, dir := range []string{st.dir, st.backup} {
		if err := st.fs.RemoveAll(dir); err != nil {
			st.logger.Warn("staging cleanup failed", "dir", dir, "error", err)
		}
	}
}
