// Package artifact archives transmitted documents on disk, separated into
// authorized, rejected and contingency directories, and purges them after
// the retention period.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Kind is the archive directory of a document.
type Kind string

const (
	KindAuthorized  Kind = "authorized"
	KindRejected    Kind = "rejected"
	KindContingency Kind = "contingency"
)

// Kinds lists every archive directory.
var Kinds = []Kind{KindAuthorized, KindRejected, KindContingency}

// DefaultRetention keeps documents for five years and a day.
const DefaultRetention = 1827 * 24 * time.Hour

// ErrNotFound is returned when no archived file matches.
var ErrNotFound = errors.New("artifact: not found")

// Entry describes an archived file.
type Entry struct {
	Kind       Kind      `json:"kind"`
	AccessKey  string    `json:"access_key"`
	Suffix     string    `json:"suffix"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Store is a directory-backed archive.
type Store struct {
	root        string
	compression Compression
	retention   time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCompression sets the compression of new files.
func WithCompression(c Compression) Option {
	return func(s *Store) { s.compression = c }
}

// WithRetention sets how long files are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock sets the clock used by Purge.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates the archive directories under root.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:        root,
		compression: CompressionNone,
		retention:   DefaultRetention,
		clock:       clock.Real(),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, k := range Kinds {
		if err := os.MkdirAll(filepath.Join(root, string(k)), 0o750); err != nil {
			return nil, fmt.Errorf("artifact: create %s: %w", k, err)
		}
	}
	return s, nil
}

// Root returns the archive root.
func (s *Store) Root() string {
	return s.root
}

// Retention returns the retention period.
func (s *Store) Retention() time.Duration {
	return s.retention
}

func fileName(accessKey, suffix string) string {
	return accessKey + "-" + suffix + ".xml"
}

func checkName(accessKey, suffix string) error {
	if accessKey == "" || strings.ContainsAny(accessKey, `/\.`) {
		return model.NewValidationError("access_key", accessKey, "format", "not usable as a file name")
	}
	if suffix == "" || strings.ContainsAny(suffix, `/\.`) {
		return model.NewValidationError("suffix", suffix, "format", "not usable as a file name")
	}
	return nil
}

// Save writes data as <kind>/<accessKey>-<suffix>.xml[.zst|.lz4]. The file
// is written to a temporary name and renamed into place.
func (s *Store) Save(kind Kind, accessKey, suffix string, data []byte) (string, error) {
	if err := checkName(accessKey, suffix); err != nil {
		return "", err
	}
	body, err := compress(s.compression, data)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, string(kind))
	path := filepath.Join(dir, fileName(accessKey, suffix)+s.compression.Extension())

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("artifact: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("artifact: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("artifact: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("artifact: rename %s: %w", path, err)
	}
	s.logger.Debug("document archived", "kind", kind, "access_key", accessKey, "path", path)
	return path, nil
}

// Load reads an archived document whatever its compression.
func (s *Store) Load(kind Kind, accessKey, suffix string) ([]byte, error) {
	if err := checkName(accessKey, suffix); err != nil {
		return nil, err
	}
	base := filepath.Join(s.root, string(kind), fileName(accessKey, suffix))
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		data, err := os.ReadFile(base + c.Extension())
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: %w", err)
		}
		return decompress(c, data)
	}
	return nil, ErrNotFound
}

// Move transfers a document to another directory, keeping its compression.
func (s *Store) Move(from, to Kind, accessKey, suffix string) error {
	if err := checkName(accessKey, suffix); err != nil {
		return err
	}
	name := fileName(accessKey, suffix)
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		src := filepath.Join(s.root, string(from), name+c.Extension())
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(s.root, string(to), name+c.Extension())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("artifact: move %s: %w", name, err)
		}
		return nil
	}
	return ErrNotFound
}

// List returns the files of a directory ordered by name.
func (s *Store) List(kind Kind) ([]Entry, error) {
	dir := filepath.Join(s.root, string(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	var out []Entry
	for _, de := range entries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		key, suffix, ok := parseName(de.Name())
		if !ok {
			continue
		}
		out = append(out, Entry{
			Kind:       kind,
			AccessKey:  key,
			Suffix:     suffix,
			Path:       filepath.Join(dir, de.Name()),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func parseName(name string) (key, suffix string, ok bool) {
	name = strings.TrimSuffix(name, compressionOf(name).Extension())
	name, found := strings.CutSuffix(name, ".xml")
	if !found {
		return "", "", false
	}
	key, suffix, ok = strings.Cut(name, "-")
	return key, suffix, ok
}

// Purge removes files modified before now minus the retention period and
// returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.retention)
	removed := 0
	for _, k := range Kinds {
		entries, err := s.List(k)
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if !e.ModifiedAt.Before(cutoff) {
				continue
			}
			if err := os.Remove(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("artifact: purge %s: %w", e.Path, err)
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("archive purged", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
