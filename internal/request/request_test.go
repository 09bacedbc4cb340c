package request

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	body := `{
		"command": "depsolve",
		"arch": "x86_64",
		"module_platform_id": "platform:el9",
		"releasever": "9",
		"cachedir": "/var/cache/dnf-json",
		"arguments": {
			"repos": [{"id": "baseos", "baseurl": ["https://example.com/baseos"]}],
			"transactions": [
				{"package-specs": ["vim"], "exclude-specs": ["vim-minimal"], "install_weak_deps": true}
			]
		}
	}`

	req, err := Parse(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, CmdDepsolve, req.Command)
	assert.Equal(t, "x86_64", req.Arch)
	assert.Equal(t, "platform:el9", req.ModulePlatformID)
	assert.Equal(t, "/var/cache/dnf-json", req.CacheDir)
	require.Len(t, req.Arguments.Repos, 1)
	assert.Equal(t, "baseos", req.Arguments.Repos[0].ID)
	require.Len(t, req.Arguments.Transactions, 1)
	txn := req.Arguments.Transactions[0]
	assert.Equal(t, []string{"vim"}, txn.PackageSpecs)
	assert.Equal(t, []string{"vim-minimal"}, txn.ExcludeSpecs)
	assert.True(t, txn.InstallWeakDeps)
}

func TestParseInvalid(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		reason string
	}{
		{
			name: "not JSON",
			body: "not json",
		},
		{
			name: "unknown command",
			body: `{"command": "install", "arch": "x86_64", "module_platform_id": "platform:el9", "releasever": "9", "arguments": {"repos": []}}`,
		},
		{
			name: "empty arch",
			body: `{"command": "dump", "arch": "", "module_platform_id": "platform:el9", "releasever": "9", "arguments": {"repos": []}}`,
		},
		{
			name: "missing releasever",
			body: `{"command": "dump", "arch": "x86_64", "module_platform_id": "platform:el9", "arguments": {"repos": []}}`,
		},
		{
			name: "missing arguments",
			body: `{"command": "dump", "arch": "x86_64", "module_platform_id": "platform:el9", "releasever": "9"}`,
		},
		{
			name:   "no repos and no root_dir",
			body:   `{"command": "dump", "arch": "x86_64", "module_platform_id": "platform:el9", "releasever": "9", "arguments": {"repos": []}}`,
			reason: "no 'repos' or 'root_dir' specified",
		},
		{
			name:   "depsolve without transactions",
			body:   `{"command": "depsolve", "arch": "x86_64", "module_platform_id": "platform:el9", "releasever": "9", "arguments": {"repos": [{"id": "a", "baseurl": ["https://example.com"]}]}}`,
			reason: "no 'transactions' specified",
		},
		{
			name:   "search without packages",
			body:   `{"command": "search", "arch": "x86_64", "module_platform_id": "platform:el9", "releasever": "9", "arguments": {"repos": [{"id": "a", "baseurl": ["https://example.com"]}]}}`,
			reason: "no search 'packages' specified",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(c.body))
			require.Error(t, err)
			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			if c.reason != "" {
				assert.Equal(t, c.reason, verr.Reason)
			}
		})
	}
}

func TestParseRootDirOnly(t *testing.T) {
	body := `{
		"command": "dump",
		"arch": "aarch64",
		"module_platform_id": "platform:el9",
		"releasever": "9",
		"arguments": {"root_dir": "/img"}
	}`
	req, err := Parse(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "/img", req.Arguments.RootDir)
	assert.Empty(t, req.Arguments.Repos)
}
