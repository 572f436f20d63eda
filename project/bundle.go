package project

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/shaban/showsound/sound"
)

// ErrInvalidBundle is returned for archives that are not show bundles.
var ErrInvalidBundle = errors.New("invalid project bundle")

const (
	configEntry = "config.json"
	soundsDir   = "sounds/"
)

// zipMagic is the local file header signature every zip archive starts with.
var zipMagic = []byte("PK\x03\x04")

// Options controls Export and Import.
type Options struct {
	// Bundle packs every referenced sound next to the project document.
	Bundle bool
	// Library resolves referenced files on export and receives extracted
	// sounds on import.
	Library *sound.Library
}

// Export writes s to dst as a plain JSON document or, with opts.Bundle, a zip
// bundle holding config.json and sounds/<filename> for every referenced file.
// A referenced file missing from the library fails the export; nothing is
// left at dst in that case.
func Export(dst string, s *Snapshot, opts Options) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("export %s: %w", dst, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if opts.Bundle {
		err = writeBundle(tmp, s, opts.Library)
	} else {
		err = Encode(tmp, s)
	}
	if err != nil {
		return fmt.Errorf("export %s: %w", dst, err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("export %s: %w", dst, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("export %s: %w", dst, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("export %s: %w", dst, err)
	}
	return nil
}

func writeBundle(w io.Writer, s *Snapshot, lib *sound.Library) error {
	if lib == nil {
		return errors.New("bundling needs a sound library")
	}

	// resolve everything first so a missing file fails before any copying
	names := s.Filenames()
	paths := make([]string, len(names))
	for i, name := range names {
		p, err := lib.Resolve(name)
		if err != nil {
			return fmt.Errorf("bundle %s: %w", name, err)
		}
		paths[i] = p
	}

	zw := zip.NewWriter(w)
	cw, err := zw.Create(configEntry)
	if err != nil {
		return err
	}
	if err := Encode(cw, s); err != nil {
		return err
	}
	for i, name := range names {
		if err := addFile(zw, soundsDir+name, paths[i]); err != nil {
			return fmt.Errorf("bundle %s: %w", name, err)
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, entry, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = entry
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// IsBundle reports whether the file at p starts with a zip signature.
func IsBundle(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(zipMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, zipMagic), nil
}

// Import reads a project from src. Bundles are recognized by their zip
// signature; their sounds are extracted into opts.Library's root, keeping any
// file already there, before config.json is decoded.
func Import(src string, opts Options) (*Snapshot, error) {
	bundle, err := IsBundle(src)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", src, err)
	}
	if bundle {
		return importBundle(src, opts.Library)
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", src, err)
	}
	defer f.Close()
	return Decode(f)
}

// Inspect decodes the project in src without extracting any sounds. For
// bundles it also returns the names of the packed sound files.
func Inspect(src string) (*Snapshot, []string, error) {
	bundle, err := IsBundle(src)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect %s: %w", src, err)
	}
	if !bundle {
		f, err := os.Open(src)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		s, err := Decode(f)
		return s, nil, err
	}

	zr, err := openZip(src)
	if err != nil {
		return nil, nil, err
	}
	defer zr.Close()
	var packed []string
	for _, f := range zr.File {
		if name, ok := soundName(f.Name); ok {
			packed = append(packed, name)
		}
	}
	s, err := readConfig(zr.File)
	return s, packed, err
}

func importBundle(src string, lib *sound.Library) (*Snapshot, error) {
	if lib == nil {
		return nil, errors.New("bundle import needs a sound library")
	}
	zr, err := openZip(src)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	s, err := readConfig(zr.File)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(lib.Root, 0o755); err != nil {
		return nil, fmt.Errorf("import %s: %w", src, err)
	}
	for _, f := range zr.File {
		name, ok := soundName(f.Name)
		if !ok {
			continue
		}
		if err := extract(f, filepath.Join(lib.Root, name)); err != nil {
			return nil, fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return s, nil
}

// openZip opens a bundle. Entries with unsafe names are tolerated here since
// soundName strips every directory component before extraction.
func openZip(src string) (*zip.ReadCloser, error) {
	zr, err := zip.OpenReader(src)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return zr, nil
}

func readConfig(files []*zip.File) (*Snapshot, error) {
	for _, f := range files {
		if f.Name != configEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
		defer rc.Close()
		return Decode(rc)
	}
	return nil, fmt.Errorf("%w: missing %s", ErrInvalidBundle, configEntry)
}

// soundName returns the bare filename for entries under sounds/. Directory
// components are dropped so an entry can never escape the library root.
func soundName(entry string) (string, bool) {
	entry = strings.ReplaceAll(entry, `\`, "/")
	if !strings.HasPrefix(entry, soundsDir) || strings.HasSuffix(entry, "/") {
		return "", false
	}
	name := path.Base(entry)
	if name == "." || name == ".." || name == "/" || name == "" {
		return "", false
	}
	return name, true
}

func extract(f *zip.File, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, rc)
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
