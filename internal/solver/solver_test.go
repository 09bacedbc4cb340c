package solver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/dnf-json/internal/depsolve"
	"github.com/osbuild/dnf-json/internal/gpgkey"
	"github.com/osbuild/dnf-json/internal/repoconf"
	"github.com/osbuild/dnf-json/internal/request"
	"github.com/osbuild/dnf-json/internal/sack"
)

const testKey = `-----BEGIN PGP PUBLIC KEY BLOCK-----

mQINBFzMWxkBEADHrskpBgN9OphmhRkc7P/YrsAGSvvl7kfu+e9KAaU6f5MeAVyn
-----END PGP PUBLIC KEY BLOCK-----
`

func TestResolveCacheDir(t *testing.T) {
	req := &request.Request{Arch: "x86_64", CacheDir: "/from/request"}

	dir, err := resolveCacheDir(req)
	require.NoError(t, err)
	assert.Equal(t, "/from/request", dir)

	// The override wins and the request's cachedir is ignored.
	t.Setenv(cacheDirEnv, "/locked/cache")
	dir, err = resolveCacheDir(req)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/locked/cache", "x86_64"), dir)

	t.Setenv(cacheDirEnv, "")
	req.CacheDir = ""
	_, err = resolveCacheDir(req)
	var terr Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "Error", terr.Kind)
	assert.Equal(t, "No cache dir set", terr.Reason)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{request.ValidationError{Reason: "bad"}, "InvalidRequest"},
		{repoconf.InvalidError{Reason: "bad repo"}, "InvalidRequest"},
		{gpgkey.KeyReadError{URL: "ftp://x", Err: errors.New("nope")}, "GPGKeyReadError"},
		{sack.LoadError{RepoID: "a", Err: errors.New("down")}, "RepoError"},
		{depsolve.MarkingError{Specs: []string{"x"}}, "MarkingErrors"},
		{depsolve.UnsolvableError{Specs: []string{"x"}, Detail: "d"}, "DepsolveError"},
		{Error{Kind: "Error", Reason: "No cache dir set"}, "Error"},
		{errors.New("anything else"), "Error"},
		{fmt.Errorf("wrapped: %w", sack.LoadError{RepoID: "a", Err: errors.New("down")}), "RepoError"},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, Classify(c.err).Kind, c.err.Error())
	}
}

func TestErrorRoundTrip(t *testing.T) {
	e := Error{Kind: "DepsolveError", Reason: "cannot depsolve"}
	assert.Equal(t, "DepsolveError: cannot depsolve", e.Error())

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind": "DepsolveError", "reason": "cannot depsolve"}`, string(data))
}

// testRepoServer serves a one-package rpm-md repo for the package
// a-1-1.x86_64.
func testRepoServer(t *testing.T) *httptest.Server {
	t.Helper()

	primary := `<?xml version="1.0" encoding="UTF-8"?>
<metadata xmlns="http://linux.duke.edu/metadata/common" xmlns:rpm="http://linux.duke.edu/metadata/rpm" packages="1">
  <package type="rpm">
    <name>a</name>
    <arch>x86_64</arch>
    <version epoch="0" ver="1" rel="1"/>
    <checksum type="sha256" pkgid="YES">3333333333333333333333333333333333333333333333333333333333333333</checksum>
    <summary>a</summary>
    <description>The a package.</description>
    <time file="1600000000" build="1577836800"/>
    <location href="Packages/a-1-1.x86_64.rpm"/>
    <format>
      <rpm:license>MIT</rpm:license>
    </format>
  </package>
</metadata>
`
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(primary))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	blob := buf.Bytes()
	sum := sha256.Sum256(blob)

	repomd := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
  <data type="primary">
    <checksum type="sha256">%s</checksum>
    <location href="repodata/primary.xml.gz"/>
  </data>
</repomd>
`, hex.EncodeToString(sum[:]))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repodata/repomd.xml":
			_, _ = w.Write([]byte(repomd))
		case "/repodata/primary.xml.gz":
			_, _ = w.Write(blob)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testRequest(command, serverURL, cacheDir string) *request.Request {
	return &request.Request{
		Command:          command,
		Arch:             "x86_64",
		ModulePlatformID: "platform:el9",
		Releasever:       "9",
		CacheDir:         cacheDir,
		Arguments: request.Arguments{
			Repos: []request.RepoDescriptor{{
				ID:       "test",
				BaseURLs: []string{serverURL},
				GPGKeys:  []string{testKey},
			}},
		},
	}
}

func TestSolveDepsolve(t *testing.T) {
	server := testRepoServer(t)
	req := testRequest(request.CmdDepsolve, server.URL, t.TempDir())
	req.Arguments.Transactions = []request.Transaction{{PackageSpecs: []string{"a"}}}

	s, err := New(req)
	require.NoError(t, err)
	defer s.Close()

	result, err := s.Solve()
	require.NoError(t, err)
	dres, ok := result.(*depsolveResult)
	require.True(t, ok)

	require.Len(t, dres.Packages, 1)
	pkg := dres.Packages[0]
	assert.Equal(t, "a", pkg.Name)
	assert.Equal(t, "1", pkg.Version)
	assert.Equal(t, "test", pkg.RepoID)
	assert.Equal(t, server.URL+"/Packages/a-1-1.x86_64.rpm", pkg.RemoteLocation)

	// Every resolved repo_id has its repo echoed, keys as text.
	require.Contains(t, dres.Repos, "test")
	repo := dres.Repos["test"]
	assert.Equal(t, []string{testKey}, repo.GPGKeys)
	assert.True(t, repo.SSLVerify)
}

func TestSolveDump(t *testing.T) {
	server := testRepoServer(t)
	req := testRequest(request.CmdDump, server.URL, t.TempDir())

	s, err := New(req)
	require.NoError(t, err)
	defer s.Close()

	result, err := s.Solve()
	require.NoError(t, err)
	dump, ok := result.(*packageList)
	require.True(t, ok)
	require.Len(t, dump.Packages, 1)
	assert.Equal(t, "a", dump.Packages[0].Name)
	assert.Equal(t, "2020-01-01T00:00:00Z", dump.Packages[0].BuildTime)
	assert.Contains(t, dump.Checksums, "test")
}

func TestSolveSearch(t *testing.T) {
	server := testRepoServer(t)
	req := testRequest(request.CmdSearch, server.URL, t.TempDir())
	req.Arguments.Search = request.SearchArgs{Packages: []string{"a"}}

	s, err := New(req)
	require.NoError(t, err)
	defer s.Close()

	result, err := s.Solve()
	require.NoError(t, err)
	found, ok := result.(*packageList)
	require.True(t, ok)
	require.Len(t, found.Packages, 1)
	assert.Equal(t, "a", found.Packages[0].Name)
}

func TestSolveMarkingFailure(t *testing.T) {
	server := testRepoServer(t)
	req := testRequest(request.CmdDepsolve, server.URL, t.TempDir())
	req.Arguments.Transactions = []request.Transaction{{PackageSpecs: []string{"nonexistent"}}}

	s, err := New(req)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Solve()
	require.Error(t, err)
	assert.Equal(t, "MarkingErrors", Classify(err).Kind)
	assert.Equal(t, "nonexistent", Classify(err).Reason)
}
