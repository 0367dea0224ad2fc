package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

// FSStore stores blobs on the local filesystem and signs download links
// with an HMAC so they expire without any per-link server state.
type FSStore struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewFSStore creates the root directory if needed. baseURL is the
// externally reachable prefix for download links, e.g.
// "http://localhost:8080/blob".
func NewFSStore(root, baseURL string, secret []byte) (*FSStore, error) {
	if len(secret) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "blob signing secret is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	p, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}

	// Write to a temp file first so a failed upload never leaves a
	// partial object at the final key.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, fmt.Errorf("finalize blob %s: %w", key, err)
	}
	return n, nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "blob %q not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return f, nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]Object, error) {
	objects := []Object{}
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || strings.HasPrefix(path.Base(key), ".upload-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs %q: %w", prefix, err)
	}
	return objects, nil
}

// SignedURL returns {baseURL}/{key}?expires={unix}&sig={hmac}.
func (s *FSStore) SignedURL(key string, ttl time.Duration) (string, error) {
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()
	sig := s.sign(key, expires)
	return fmt.Sprintf("%s/%s?expires=%d&sig=%s", s.baseURL, key, expires, sig), nil
}

// VerifySignedRequest checks the signature and expiry carried in a
// download request's query parameters.
func (s *FSStore) VerifySignedRequest(key, expiresParam, sig string) error {
	expires, err := strconv.ParseInt(expiresParam, 10, 64)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed expiry")
	}
	if s.now().Unix() > expires {
		return schema.NewError(schema.ErrCodeValidation, "link expired")
	}
	if !hmac.Equal([]byte(s.sign(key, expires)), []byte(sig)) {
		return schema.NewError(schema.ErrCodeValidation, "bad signature")
	}
	return nil
}

func (s *FSStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve maps a key to a path under root, rejecting traversal.
func (s *FSStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid blob key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
