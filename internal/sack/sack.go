// Package sack downloads rpm-md repository metadata into an in-memory
// queryable package index. Metadata is cached on disk per repository
// and revalidated when older than the repo's metadata-expire window.
// Mirror selection biases towards the lowest-latency mirror; zchunk
// metadata is never requested.
package sack

import (
	"bytes"
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/dnf-json/internal/repoconf"
	"github.com/osbuild/dnf-json/internal/rpmmd"
)

// Config carries the engine-wide settings for loading metadata. There
// is no process-wide state; every sack is constructed from one of
// these.
type Config struct {
	CacheDir         string
	Arch             string
	Releasever       string
	ModulePlatformID string
	Proxy            string
}

// LoadError marks a repository whose metadata could not be read.
type LoadError struct {
	RepoID string
	Err    error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("repo %q: %v", e.RepoID, e.Err)
}

func (e LoadError) Unwrap() error {
	return e.Err
}

// Sack is the loaded package index.
type Sack struct {
	packages  []*rpmmd.Package
	byName    map[string][]*rpmmd.Package
	providers map[string][]*rpmmd.Package
	checksums map[string]string
}

// Load fetches and indexes the metadata of every repo. Repositories
// load concurrently; the resulting index enumerates packages in repo
// input order, then metadata document order.
func Load(cfg Config, repos []repoconf.Repo) (*Sack, error) {
	type repoResult struct {
		pkgs     []*rpmmd.Package
		checksum string
	}

	results := make([]repoResult, len(repos))
	var g errgroup.Group
	for i := range repos {
		i := i
		g.Go(func() error {
			pkgs, checksum, err := loadRepo(cfg, &repos[i])
			if err != nil {
				return LoadError{RepoID: repos[i].ID, Err: err}
			}
			results[i] = repoResult{pkgs: pkgs, checksum: checksum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := &Sack{
		byName:    make(map[string][]*rpmmd.Package),
		providers: make(map[string][]*rpmmd.Package),
		checksums: make(map[string]string, len(repos)),
	}
	for i, res := range results {
		s.checksums[repos[i].ID] = res.checksum
		for _, pkg := range res.pkgs {
			s.packages = append(s.packages, pkg)
			s.byName[pkg.Name] = append(s.byName[pkg.Name], pkg)
			s.providers[pkg.Name] = append(s.providers[pkg.Name], pkg)
			for _, prov := range pkg.Provides {
				if prov.Name == pkg.Name {
					continue
				}
				s.providers[prov.Name] = append(s.providers[prov.Name], pkg)
			}
		}
	}
	return s, nil
}

// All enumerates every package in the sack.
func (s *Sack) All() []*rpmmd.Package {
	return s.packages
}

// ByName returns the packages with exactly the given name.
func (s *Sack) ByName(name string) []*rpmmd.Package {
	return s.byName[name]
}

// Providers returns the packages providing the named capability,
// including file capabilities listed in primary metadata. Version
// constraints are the caller's business.
func (s *Sack) Providers(capability string) []*rpmmd.Package {
	return s.providers[capability]
}

// Checksums maps repo IDs to the repomd-declared checksum of their
// primary metadata.
func (s *Sack) Checksums() map[string]string {
	return s.checksums
}

func loadRepo(cfg Config, repo *repoconf.Repo) ([]*rpmmd.Package, string, error) {
	inner, err := newHTTPClient(repo, cfg.Proxy)
	if err != nil {
		return nil, "", err
	}
	client := newRetryingClient(inner)

	cacheDir := filepath.Join(cfg.CacheDir, fmt.Sprintf("%s-%s", repo.ID, configHash(repo)[:16]))
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, "", fmt.Errorf("creating cache dir: %w", err)
	}

	repomdBody, mirrors, err := loadRepomd(client, repo, cacheDir)
	if err != nil {
		return nil, "", err
	}
	md, err := parseRepomd(repomdBody)
	if err != nil {
		return nil, "", err
	}
	primary, err := md.primary()
	if err != nil {
		return nil, "", err
	}

	blob, err := loadPrimaryBlob(client, primary, mirrors, cacheDir)
	if err != nil {
		return nil, "", err
	}
	raw, err := decompress(bytes.NewReader(blob), primary.Location.Href)
	if err != nil {
		return nil, "", fmt.Errorf("decompressing primary metadata: %w", err)
	}
	doc, err := io.ReadAll(raw)
	if err != nil {
		return nil, "", fmt.Errorf("decompressing primary metadata: %w", err)
	}

	pkgs, err := parsePrimary(doc, repo.ID, mirrors[0])
	if err != nil {
		return nil, "", err
	}
	logrus.Debugf("repo %s: %d packages from %s", repo.ID, len(pkgs), mirrors[0])

	checksum := rpmmd.Checksum{Type: primary.Checksum.Type, Hex: primary.Checksum.Value}
	return pkgs, checksum.String(), nil
}

// loadRepomd returns the repomd.xml body and the mirror bases in
// preference order, from cache when it is still fresh, otherwise from
// the network.
func loadRepomd(client *http.Client, repo *repoconf.Repo, cacheDir string) ([]byte, []string, error) {
	repomdFile := filepath.Join(cacheDir, "repomd.xml")
	mirrorFile := filepath.Join(cacheDir, "mirror")

	if info, err := os.Stat(repomdFile); err == nil {
		if time.Since(info.ModTime()) < repo.MetadataExpire {
			body, err := os.ReadFile(repomdFile)
			if err == nil {
				if mirror, merr := os.ReadFile(mirrorFile); merr == nil {
					return body, strings.Fields(string(mirror)), nil
				}
			}
		}
	}

	candidates, err := mirrorCandidates(repo, client)
	if err != nil {
		return nil, nil, err
	}
	mirrors, body, err := probeMirrors(client, candidates)
	if err != nil {
		return nil, nil, err
	}

	if err := renameio.WriteFile(repomdFile, body, 0644); err != nil {
		return nil, nil, fmt.Errorf("caching repomd.xml: %w", err)
	}
	if err := renameio.WriteFile(mirrorFile, []byte(strings.Join(mirrors, "\n")), 0644); err != nil {
		return nil, nil, fmt.Errorf("caching mirror list: %w", err)
	}
	return body, mirrors, nil
}

// loadPrimaryBlob returns the compressed primary metadata, reusing the
// cached copy when its digest still matches the repomd declaration.
func loadPrimaryBlob(client *http.Client, primary *repomdData, mirrors []string, cacheDir string) ([]byte, error) {
	blobFile := filepath.Join(cacheDir, "primary"+path.Ext(primary.Location.Href))

	if blob, err := os.ReadFile(blobFile); err == nil {
		if ok, _ := digestMatches(blob, primary.Checksum); ok {
			return blob, nil
		}
	}

	var lastErr error
	for _, mirror := range mirrors {
		blob, err := fetchURL(client, joinURL(mirror, primary.Location.Href))
		if err != nil {
			lastErr = err
			continue
		}
		ok, err := digestMatches(blob, primary.Checksum)
		if err != nil {
			return nil, err
		}
		if !ok {
			lastErr = fmt.Errorf("primary metadata from %s does not match its repomd checksum", mirror)
			continue
		}
		if err := renameio.WriteFile(blobFile, blob, 0644); err != nil {
			return nil, fmt.Errorf("caching primary metadata: %w", err)
		}
		return blob, nil
	}
	return nil, fmt.Errorf("fetching primary metadata: %w", lastErr)
}

func digestMatches(data []byte, checksum repomdChecksum) (bool, error) {
	var h hash.Hash
	switch strings.ToLower(checksum.Type) {
	case "sha", "sha1":
		h = sha1.New() //nolint:gosec
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return false, fmt.Errorf("unsupported checksum type %q", checksum.Type)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)) == strings.ToLower(checksum.Value), nil
}

// configHash identifies a repository configuration for cache
// partitioning, ignoring the ID and name.
func configHash(repo *repoconf.Repo) string {
	parts := []string{
		strings.Join(repo.BaseURLs, ","),
		repo.Metalink,
		repo.MirrorList,
		fmt.Sprintf("%t", repo.SSLVerify),
		repo.SSLCACert,
		repo.SSLClientKey,
		repo.SSLClientCert,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
