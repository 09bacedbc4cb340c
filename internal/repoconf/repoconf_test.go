package repoconf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/dnf-json/internal/request"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestLoadFromRequest(t *testing.T) {
	args := &request.Arguments{
		Repos: []request.RepoDescriptor{
			{
				ID:             "baseos",
				Name:           "BaseOS",
				BaseURLs:       []string{"https://example.com/baseos"},
				GPGKey:         "https://example.com/key-a",
				GPGKeys:        []string{"https://example.com/key-b"},
				MetadataExpire: "1h",
			},
			{
				ID:        "appstream",
				Metalink:  "https://example.com/metalink",
				SSLVerify: boolPtr(false),
			},
		},
	}

	repos, err := Load(args, "x86_64", "9")
	require.NoError(t, err)
	require.Len(t, repos, 2)

	baseos := repos[0]
	assert.Equal(t, "baseos", baseos.ID)
	assert.True(t, baseos.FromRequest)
	assert.True(t, baseos.SSLVerify)
	assert.Equal(t, time.Hour, baseos.MetadataExpire)
	assert.Equal(t, []string{"https://example.com/key-a", "https://example.com/key-b"}, baseos.GPGKeys)

	appstream := repos[1]
	assert.False(t, appstream.SSLVerify)
	assert.Equal(t, DefaultMetadataExpire, appstream.MetadataExpire)
}

func TestLoadSourceConstraint(t *testing.T) {
	cases := []struct {
		name string
		repo request.RepoDescriptor
		ok   bool
	}{
		{
			name: "baseurl only",
			repo: request.RepoDescriptor{ID: "a", BaseURLs: []string{"https://example.com"}},
			ok:   true,
		},
		{
			name: "no source",
			repo: request.RepoDescriptor{ID: "a"},
		},
		{
			name: "baseurl and metalink",
			repo: request.RepoDescriptor{ID: "a", BaseURLs: []string{"https://example.com"}, Metalink: "https://example.com/ml"},
		},
		{
			name: "missing id",
			repo: request.RepoDescriptor{BaseURLs: []string{"https://example.com"}},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(&request.Arguments{Repos: []request.RepoDescriptor{c.repo}}, "x86_64", "9")
			if c.ok {
				assert.NoError(t, err)
				return
			}
			var ierr InvalidError
			assert.ErrorAs(t, err, &ierr)
		})
	}
}

func TestParseExpire(t *testing.T) {
	cases := map[string]time.Duration{
		"20s":  20 * time.Second,
		"90":   90 * time.Second,
		"2d":   48 * time.Hour,
		"1h5m": time.Hour + 5*time.Minute,
	}
	for in, want := range cases {
		d, err := parseExpire(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d, in)
	}

	_, err := parseExpire("soon")
	assert.Error(t, err)
}

func writeRepoFile(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, "etc/yum.repos.d")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadRootDir(t *testing.T) {
	root := t.TempDir()
	varsDir := filepath.Join(root, "etc/dnf/vars")
	require.NoError(t, os.MkdirAll(varsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(varsDir, "stream"), []byte("stable\n"), 0644))

	writeRepoFile(t, root, "custom.repo", `[custom]
name=Custom $releasever $stream
baseurl=https://example.com/$basearch/$stream/os
sslcacert=/etc/pki/ca.pem
gpgcheck=1
gpgkey=https://example.com/key-a
 https://example.com/key-b
metadata_expire=6h
`)
	writeRepoFile(t, root, "disabled.repo", `[disabled]
baseurl=https://example.com/disabled
enabled=0
`)

	repos, err := Load(&request.Arguments{RootDir: root}, "x86_64", "9")
	require.NoError(t, err)
	require.Len(t, repos, 1)

	repo := repos[0]
	assert.Equal(t, "custom", repo.ID)
	assert.False(t, repo.FromRequest)
	assert.Equal(t, "Custom 9 stable", repo.Name)
	assert.Equal(t, []string{"https://example.com/x86_64/stable/os"}, repo.BaseURLs)
	assert.Equal(t, filepath.Join(root, "/etc/pki/ca.pem"), repo.SSLCACert)
	assert.True(t, repo.GPGCheck)
	assert.Equal(t, []string{"https://example.com/key-a", "https://example.com/key-b"}, repo.GPGKeys)
	assert.Equal(t, 6*time.Hour, repo.MetadataExpire)
}

func TestLoadRootDirRequestWins(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "baseos.repo", `[baseos]
baseurl=https://rootdir.example.com/baseos
`)

	args := &request.Arguments{
		Repos: []request.RepoDescriptor{
			{ID: "baseos", BaseURLs: []string{"https://request.example.com/baseos"}},
		},
		RootDir: root,
	}
	repos, err := Load(args, "x86_64", "9")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.True(t, repos[0].FromRequest)
	assert.Equal(t, []string{"https://request.example.com/baseos"}, repos[0].BaseURLs)
}

func TestLoadRootDirMissingReposDir(t *testing.T) {
	repos, err := Load(&request.Arguments{RootDir: t.TempDir()}, "x86_64", "9")
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestSubstitute(t *testing.T) {
	subst := map[string]string{"releasever": "9", "basearch": "x86_64"}
	assert.Equal(t, "os/9/x86_64", substitute("os/$releasever/${basearch}", subst))
	assert.Equal(t, "os/$unknown", substitute("os/$unknown", subst))
	assert.Equal(t, "plain", substitute("plain", subst))
}

func TestBasearch(t *testing.T) {
	assert.Equal(t, "i386", basearch("i686"))
	assert.Equal(t, "armhfp", basearch("armv7hl"))
	assert.Equal(t, "x86_64", basearch("x86_64"))
}
