// Package artifact reads versioned source bundles (zip archives) from object
// storage and decodes the job definitions they carry.
package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/objectstore"
)

// Location addresses an object by bucket and key.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

func (l Location) URI() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (Location, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "s3://")
	if !ok {
		return Location{}, fmt.Errorf("uri %q: scheme must be s3: %w", uri, domain.ErrConfiguration)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return Location{}, fmt.Errorf("uri %q: bucket and key are required: %w", uri, domain.ErrConfiguration)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Bundle is an opened zip archive.
type Bundle struct {
	loc   Location
	files map[string]*zip.File
}

// Open fetches and indexes the bundle at loc. A missing object is
// ErrArtifactMissing.
func Open(ctx context.Context, store objectstore.Store, loc Location) (*Bundle, error) {
	if loc.Bucket == "" || loc.Key == "" {
		return nil, fmt.Errorf("bundle location is empty: %w", domain.ErrArtifactMissing)
	}
	data, err := objectstore.ReadAll(ctx, store, loc.Bucket, loc.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, fmt.Errorf("bundle %s: %w", loc, domain.ErrArtifactMissing)
		}
		return nil, fmt.Errorf("fetch bundle %s: %w", loc, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("bundle %s is not a zip archive: %v: %w", loc, err, domain.ErrConfiguration)
	}
	b := &Bundle{loc: loc, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		b.files[path.Clean(f.Name)] = f
	}
	return b, nil
}

func (b *Bundle) Location() Location { return b.loc }

func (b *Bundle) Has(name string) bool {
	_, ok := b.files[path.Clean(name)]
	return ok
}

// Names lists the files in the bundle in lexical order.
func (b *Bundle) Names() []string {
	out := make([]string, 0, len(b.files))
	for name := range b.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadFile returns the content of name. A missing file is ErrArtifactMissing.
func (b *Bundle) ReadFile(name string) ([]byte, error) {
	f, ok := b.files[path.Clean(name)]
	if !ok {
		return nil, fmt.Errorf("'%s' not found in %s: %w", name, b.loc, domain.ErrArtifactMissing)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s in %s: %w", name, b.loc, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", name, b.loc, err)
	}
	return data, nil
}

// CopyFile writes name from the bundle to dst.
func (b *Bundle) CopyFile(ctx context.Context, store objectstore.Store, name string, dst Location) error {
	data, err := b.ReadFile(name)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, dst.Bucket, dst.Key, bytes.NewReader(data), int64(len(data)), contentType(name)); err != nil {
		return fmt.Errorf("copy %s to %s: %w", name, dst, err)
	}
	return nil
}

// JobSpec decodes the first of the definition files present in the bundle.
// Candidates are tried in order; e.g. "etljob" matches etljob.json,
// etljob.yaml and etljob.yml.
func (b *Bundle) JobSpec(base string) (domain.JobSpec, error) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		name := base + ext
		if !b.Has(name) {
			continue
		}
		data, err := b.ReadFile(name)
		if err != nil {
			return domain.JobSpec{}, err
		}
		return DecodeJobSpec(name, data)
	}
	return domain.JobSpec{}, fmt.Errorf("'%s.json' not found in %s: %w", base, b.loc, domain.ErrArtifactMissing)
}

// DecodeJobSpec parses a JSON or YAML job definition, chosen by extension.
func DecodeJobSpec(name string, data []byte) (domain.JobSpec, error) {
	var spec domain.JobSpec
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return domain.JobSpec{}, fmt.Errorf("decode %s: %v: %w", name, err, domain.ErrConfiguration)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return domain.JobSpec{}, fmt.Errorf("decode %s: %v: %w", name, err, domain.ErrConfiguration)
		}
	}
	return spec, nil
}

// Build packs files into a zip archive.
func Build(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip close: %w", err)
	}
	return buf.Bytes(), nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".py":
		return "text/x-python"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
