package sim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrMissingObject means the content is not installed locally. The user
	// can fix it by installing the object.
	ErrMissingObject = errors.New("missing object")
	// ErrVersionMismatch means the local copy is incompatible and an
	// upgrade is required.
	ErrVersionMismatch = errors.New("version incompatible")
)

// Object describes a content item a session depends on.
type Object struct {
	ID       string `json:"id" yaml:"id"`
	Checksum string `json:"checksum" yaml:"checksum"`
	Version  string `json:"version" yaml:"version"`
	Source   string `json:"source,omitempty" yaml:"source,omitempty"`
	Size     uint32 `json:"size,omitempty" yaml:"size,omitempty"`
}

// ObjectError carries the object a resolution failed for.
type ObjectError struct {
	ID  string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.ID)
}

func (e *ObjectError) Unwrap() error { return e.Err }

// ObjectRepository is the content the local game has installed.
type ObjectRepository interface {
	// Required lists what a server session needs every client to have.
	Required() []Object
	// Lookup returns the installed copy of an object.
	Lookup(id string) (Object, bool)
	// Details fills in Source and Size for objects the server can serve.
	Details(id string) (Object, bool)
	// Fetch obtains a missing object described by the server.
	Fetch(ctx context.Context, obj Object) error
}

// Resolve checks obj against the repository. Objects that are installed
// with a different major version yield ErrVersionMismatch, absent objects
// or objects with a different checksum yield ErrMissingObject.
func Resolve(repo ObjectRepository, obj Object) error {
	local, ok := repo.Lookup(obj.ID)
	if !ok {
		return &ObjectError{ID: obj.ID, Err: ErrMissingObject}
	}
	if majorVersion(local.Version) != majorVersion(obj.Version) {
		return &ObjectError{ID: obj.ID, Err: ErrVersionMismatch}
	}
	if obj.Checksum != "" && !strings.EqualFold(local.Checksum, obj.Checksum) {
		return &ObjectError{ID: obj.ID, Err: ErrMissingObject}
	}
	return nil
}

func majorVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// Catalog is an in-memory ObjectRepository. Objects fetched through it are
// added once their content matches the advertised checksum.
type Catalog struct {
	mu       sync.RWMutex
	objects  map[string]Object
	required []string
	fetcher  Fetcher
}

// Fetcher downloads object content.
type Fetcher interface {
	Fetch(ctx context.Context, obj Object) ([]byte, error)
}

// NewCatalog creates a catalog. fetcher may be nil, in which case missing
// objects cannot be obtained.
func NewCatalog(fetcher Fetcher) *Catalog {
	return &Catalog{objects: make(map[string]Object), fetcher: fetcher}
}

// Install adds an object. required marks it as needed by sessions this
// catalog hosts.
func (c *Catalog) Install(obj Object, required bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[obj.ID] = obj
	if required {
		for _, id := range c.required {
			if id == obj.ID {
				return
			}
		}
		c.required = append(c.required, obj.ID)
		sort.Strings(c.required)
	}
}

// Remove uninstalls an object.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, id)
}

func (c *Catalog) Required() []Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Object, 0, len(c.required))
	for _, id := range c.required {
		if o, ok := c.objects[id]; ok {
			o.Source, o.Size = "", 0
			out = append(out, o)
		}
	}
	return out
}

func (c *Catalog) Lookup(id string) (Object, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.objects[id]
	return o, ok
}

func (c *Catalog) Details(id string) (Object, bool) {
	return c.Lookup(id)
}

func (c *Catalog) Fetch(ctx context.Context, obj Object) error {
	if c.fetcher == nil || obj.Source == "" {
		return &ObjectError{ID: obj.ID, Err: ErrMissingObject}
	}
	data, err := c.fetcher.Fetch(ctx, obj)
	if err != nil {
		log.Warn().Err(err).Str("object", obj.ID).Str("source", obj.Source).Msg("object fetch failed")
		return &ObjectError{ID: obj.ID, Err: ErrMissingObject}
	}
	if obj.Checksum != "" {
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), obj.Checksum) {
			log.Warn().Str("object", obj.ID).Msg("fetched object checksum mismatch")
			return &ObjectError{ID: obj.ID, Err: ErrMissingObject}
		}
	}
	obj.Size = uint32(len(data))
	c.Install(obj, false)
	return nil
}

// HTTPFetcher downloads objects from their Source URL and stores them in
// a directory.
type HTTPFetcher struct {
	Dir     string
	Client  *http.Client
	MaxSize int64
}

// NewHTTPFetcher creates a fetcher storing downloads in dir.
func NewHTTPFetcher(dir string) *HTTPFetcher {
	return &HTTPFetcher{
		Dir:     dir,
		Client:  &http.Client{Timeout: 30 * time.Second},
		MaxSize: 64 << 20,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, obj Object) ([]byte, error) {
	if !strings.HasPrefix(obj.Source, "http://") && !strings.HasPrefix(obj.Source, "https://") {
		return nil, fmt.Errorf("unsupported object source %q", obj.Source)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, obj.Source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", obj.Source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", obj.Source, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", obj.Source, err)
	}
	if int64(len(data)) > f.MaxSize {
		return nil, fmt.Errorf("object %s larger than %d bytes", obj.ID, f.MaxSize)
	}

	if f.Dir != "" {
		if err := os.MkdirAll(f.Dir, 0755); err != nil {
			return nil, err
		}
		name := filepath.Join(f.Dir, filepath.Base(filepath.Clean("/"+obj.ID))+".obj")
		if err := os.WriteFile(name, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to store object %s: %w", obj.ID, err)
		}
	}
	return data, nil
}
