// Package solver drives one request end to end: cache resolution,
// repository loading, GPG key staging, metadata sack construction, and
// command dispatch. It owns the error taxonomy of the wire protocol;
// everything below it returns plain typed errors.
package solver

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/dnf-json/internal/depsolve"
	"github.com/osbuild/dnf-json/internal/gpgkey"
	"github.com/osbuild/dnf-json/internal/repoconf"
	"github.com/osbuild/dnf-json/internal/request"
	"github.com/osbuild/dnf-json/internal/rpmmd"
	"github.com/osbuild/dnf-json/internal/sack"
)

// cacheDirEnv locks the cache root when set: the request's cachedir is
// ignored and the effective root is <env>/<arch>, so an unprivileged
// request cannot steer a privileged service to an arbitrary path.
const cacheDirEnv = "OVERWRITE_CACHE_DIR"

// Solver handles exactly one request. All temporary state lives under
// persistDir and is removed by Close, success or failure.
type Solver struct {
	req        *request.Request
	cacheDir   string
	persistDir string
	keys       *gpgkey.Materializer
}

// New resolves the cache root and sets up the per-request persistdir.
// The caller must Close the solver when done.
func New(req *request.Request) (*Solver, error) {
	cacheDir, err := resolveCacheDir(req)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	persistDir, err := os.MkdirTemp("", "dnf-json-")
	if err != nil {
		return nil, fmt.Errorf("creating persistdir: %w", err)
	}

	client, err := keyClient(req.Proxy)
	if err != nil {
		os.RemoveAll(persistDir)
		return nil, err
	}
	keys, err := gpgkey.New(persistDir, client)
	if err != nil {
		os.RemoveAll(persistDir)
		return nil, err
	}

	return &Solver{
		req:        req,
		cacheDir:   cacheDir,
		persistDir: persistDir,
		keys:       keys,
	}, nil
}

// Close releases the per-request state. The metadata cache stays.
func (s *Solver) Close() {
	if s.persistDir != "" {
		os.RemoveAll(s.persistDir)
	}
}

func resolveCacheDir(req *request.Request) (string, error) {
	if override := os.Getenv(cacheDirEnv); override != "" {
		return filepath.Join(override, req.Arch), nil
	}
	if req.CacheDir != "" {
		return req.CacheDir, nil
	}
	return "", Error{Kind: "Error", Reason: "No cache dir set"}
}

// keyClient is the client for response-time http(s) key fetches: a
// single attempt, no retry layer.
func keyClient(proxy string) (*http.Client, error) {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, request.ValidationError{Reason: fmt.Sprintf("bad proxy URL %q: %v", proxy, err)}
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport, Timeout: 2 * time.Minute}, nil
}

// Solve loads the repositories and dispatches on the request command.
// The returned value marshals directly into the stdout document.
func (s *Solver) Solve() (interface{}, error) {
	repos, err := repoconf.Load(&s.req.Arguments, s.req.Arch, s.req.Releasever)
	if err != nil {
		return nil, err
	}

	// Inline keys become files under the persistdir before the sack
	// sees the repos; the engine view references every key by URL.
	for i := range repos {
		staged, err := s.keys.Stage(repos[i].GPGKeys)
		if err != nil {
			return nil, err
		}
		repos[i].StagedKeys = staged
	}

	start := time.Now()
	index, err := sack.Load(sack.Config{
		CacheDir:         s.cacheDir,
		Arch:             s.req.Arch,
		Releasever:       s.req.Releasever,
		ModulePlatformID: s.req.ModulePlatformID,
		Proxy:            s.req.Proxy,
	}, repos)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("loaded %d repos in %v", len(repos), time.Since(start))

	switch s.req.Command {
	case request.CmdDump:
		return s.dump(index), nil
	case request.CmdSearch:
		return s.search(index)
	case request.CmdDepsolve:
		return s.depsolve(index, repos)
	}
	return nil, request.ValidationError{Reason: fmt.Sprintf("unknown command %q", s.req.Command)}
}

func (s *Solver) dump(index *sack.Sack) *packageList {
	pkgs := index.All()
	result := &packageList{
		Packages:  make([]rpmmd.PackageDescriptor, 0, len(pkgs)),
		Checksums: index.Checksums(),
	}
	for _, pkg := range pkgs {
		result.Packages = append(result.Packages, pkg.Describe())
	}
	return result
}

func (s *Solver) search(index *sack.Sack) (*packageList, error) {
	pkgs, err := searchPackages(index.All(), s.req.Arguments.Search)
	if err != nil {
		return nil, err
	}
	if pkgs == nil {
		pkgs = []rpmmd.PackageDescriptor{}
	}
	return &packageList{Packages: pkgs, Checksums: index.Checksums()}, nil
}

func (s *Solver) depsolve(index *sack.Sack, repos []repoconf.Repo) (*depsolveResult, error) {
	resolver := depsolve.New(index, s.req.Arch)
	pkgs, err := resolver.Run(s.req.Arguments.Transactions)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*repoconf.Repo, len(repos))
	for i := range repos {
		byID[repos[i].ID] = &repos[i]
	}

	result := &depsolveResult{
		Packages: make([]rpmmd.PackageSpec, 0, len(pkgs)),
		Repos:    make(map[string]responseRepo),
	}
	for _, pkg := range pkgs {
		result.Packages = append(result.Packages, pkg.Spec())
		if _, ok := result.Repos[pkg.RepoID]; ok {
			continue
		}
		repo, ok := byID[pkg.RepoID]
		if !ok {
			return nil, fmt.Errorf("resolved package %s references unknown repo %q", pkg.NEVRA(), pkg.RepoID)
		}
		keys, err := s.keys.Resolve(repo, s.req.Arguments.RootDir)
		if err != nil {
			return nil, err
		}
		result.Repos[pkg.RepoID] = echoRepo(repo, keys)
	}
	return result, nil
}
