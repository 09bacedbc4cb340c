// Package gpgkey materializes repository GPG keys in both directions:
// inline armored blocks become files under the per-request persistdir
// so the metadata engine can reference them by URL, and key URLs of
// repos that sourced resolved packages are dereferenced back to key
// text for the response payload.
package gpgkey

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/osbuild/dnf-json/internal/repoconf"
)

const armorHeader = "-----BEGIN PGP PUBLIC KEY BLOCK-----"

// IsInline reports whether a gpgkeys entry is an inline armored key
// block rather than a URL.
func IsInline(key string) bool {
	return strings.HasPrefix(key, armorHeader)
}

// KeyReadError marks a key URL that could not be resolved to key text.
type KeyReadError struct {
	URL string
	Err error
}

func (e KeyReadError) Error() string {
	return fmt.Sprintf("reading GPG key %q: %v", e.URL, e.Err)
}

func (e KeyReadError) Unwrap() error {
	return e.Err
}

// Materializer owns the gpgkeys directory under the per-request
// persistdir. The directory is created mode 0700 and lives only as
// long as the request.
type Materializer struct {
	dir    string
	client *http.Client
	nkeys  int
}

// New creates the gpgkeys directory under persistDir. The client is
// used for http(s) key URLs at response time; key fetches are a single
// GET, retries happen at no layer here.
func New(persistDir string, client *http.Client) (*Materializer, error) {
	dir := filepath.Join(persistDir, "gpgkeys")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating gpgkeys dir: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Materializer{dir: dir, client: client}, nil
}

// Stage converts a repo's key list into the URL list handed to the
// metadata engine. Inline blocks are written to disk and replaced by
// their file:// URI; everything else passes through unchanged, whatever
// its scheme.
func (m *Materializer) Stage(keys []string) ([]string, error) {
	staged := make([]string, 0, len(keys))
	for _, key := range keys {
		if !IsInline(key) {
			staged = append(staged, key)
			continue
		}
		m.nkeys++
		path := filepath.Join(m.dir, fmt.Sprintf("key-%d.asc", m.nkeys))
		if err := os.WriteFile(path, []byte(key), 0600); err != nil {
			return nil, fmt.Errorf("writing inline GPG key: %w", err)
		}
		staged = append(staged, "file://"+path)
	}
	return staged, nil
}

// Resolve dereferences every key of the repo to key text for the
// response. Inline keys are returned verbatim. file:// keys of
// root-dir repos are read from inside the image root.
func (m *Materializer) Resolve(repo *repoconf.Repo, rootDir string) ([]string, error) {
	keys := make([]string, 0, len(repo.GPGKeys))
	for _, key := range repo.GPGKeys {
		if IsInline(key) {
			keys = append(keys, key)
			continue
		}
		text, err := m.fetch(key, repo, rootDir)
		if err != nil {
			return nil, err
		}
		keys = append(keys, text)
	}
	return keys, nil
}

func (m *Materializer) fetch(key string, repo *repoconf.Repo, rootDir string) (string, error) {
	u, err := url.Parse(key)
	if err != nil {
		return "", KeyReadError{URL: key, Err: err}
	}
	switch u.Scheme {
	case "file":
		path := u.Path
		if !repo.FromRequest && rootDir != "" {
			path = filepath.Join(rootDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", KeyReadError{URL: key, Err: err}
		}
		return string(data), nil
	case "http", "https":
		resp, err := m.client.Get(key)
		if err != nil {
			return "", KeyReadError{URL: key, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", KeyReadError{URL: key, Err: fmt.Errorf("unexpected status %s", resp.Status)}
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", KeyReadError{URL: key, Err: err}
		}
		return string(data), nil
	default:
		return "", KeyReadError{URL: key, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
}
