package deploy

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// Pack zips dir into out. Entry names are slash separated and relative to
// dir; modification times are kept so extraction can restore them.
func Pack(dir, out string) (int, error) {
	f, err := os.Create(out)
	if err != nil {
		return 0, err
	}
	n, err := PackTo(f, dir, out)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
	}
	return n, err
}

// PackTo writes the zip of dir to w. skip, when it lies inside dir, is left
// out so a bundle written into its own source tree does not include itself.
func PackTo(w io.Writer, dir, skip string) (int, error) {
	zw := zip.NewWriter(w)
	skipAbs, _ := filepath.Abs(skip)
	count := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if abs, _ := filepath.Abs(path); abs == skipAbs {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(dst, src); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		zw.Close()
		return count, err
	}
	return count, zw.Close()
}
