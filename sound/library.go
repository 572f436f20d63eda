package sound

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

var (
	// ErrNotFound is returned when a filename cannot be resolved under the library root.
	ErrNotFound = errors.New("sound file not found in library")
	// ErrUnsupportedFormat is returned for extensions the decoder does not handle.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// playable lists the extensions Scan and Load understand.
var playable = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".ogg":  true,
}

// IsPlayable reports whether name has a decodable extension.
func IsPlayable(name string) bool {
	return playable[strings.ToLower(filepath.Ext(name))]
}

// Library resolves bare filenames against a root directory.
type Library struct {
	Root string
}

// NewLibrary returns a library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{Root: dir}
}

// Resolve returns the path of filename, looking at the top level of the root
// first and then walking subdirectories. The first match in lexical walk
// order wins.
func (l *Library) Resolve(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, filename)
	}
	direct := filepath.Join(l.Root, filename)
	if info, err := os.Stat(direct); err == nil && !info.IsDir() {
		return direct, nil
	}

	var found string
	err := filepath.WalkDir(l.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subdirectories are skipped, not fatal
			if d != nil && d.IsDir() && path != l.Root {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() && d.Name() == filename {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan library %s: %w", l.Root, err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %q", ErrNotFound, filename)
	}
	return found, nil
}

// Scan lists the playable files under the root by the bare filename that
// Resolve accepts. A name found in several folders is listed once and
// resolves to the first match.
func (l *Library) Scan() ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	err := filepath.WalkDir(l.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || !IsPlayable(name) {
			return nil
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			files = append(files, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan library %s: %w", l.Root, err)
	}
	sort.Strings(files)
	return files, nil
}

// Load resolves filename and decodes it fully into memory.
func (l *Library) Load(ctx context.Context, filename string) (*beep.Buffer, error) {
	path, err := l.Resolve(filename)
	if err != nil {
		return nil, err
	}
	return DecodeFile(ctx, path)
}

// DecodeFile decodes a whole audio file into a buffer at its native format.
// Clips are short cues, so the full file is held in memory.
func DecodeFile(ctx context.Context, path string) (*beep.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var (
		stream beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		stream, format, err = wav.Decode(f)
	case ".mp3":
		stream, format, err = mp3.Decode(f)
	case ".flac":
		stream, format, err = flac.Decode(f)
	case ".ogg":
		stream, format, err = vorbis.Decode(f)
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	defer stream.Close()

	buf := beep.NewBuffer(format)
	buf.Append(stream)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("decode %s: no audio frames", path)
	}
	return buf, nil
}
