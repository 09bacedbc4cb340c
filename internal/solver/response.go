package solver

import (
	"github.com/osbuild/dnf-json/internal/repoconf"
	"github.com/osbuild/dnf-json/internal/rpmmd"
)

// depsolveResult is the depsolve response body: the cumulative
// installed set of the transaction chain plus the configuration of
// every repo that sourced at least one of its packages.
type depsolveResult struct {
	Packages []rpmmd.PackageSpec     `json:"packages"`
	Repos    map[string]responseRepo `json:"repos"`
}

// packageList is the dump and search response body.
type packageList struct {
	Packages  []rpmmd.PackageDescriptor `json:"packages"`
	Checksums map[string]string         `json:"checksums"`
}

// responseRepo echoes a repository configuration back to the caller.
// GPGKeys always holds key text, resolved from whatever form the
// request supplied.
type responseRepo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	BaseURLs       []string `json:"baseurl,omitempty"`
	Metalink       string   `json:"metalink,omitempty"`
	MirrorList     string   `json:"mirrorlist,omitempty"`
	SSLVerify      bool     `json:"sslverify"`
	SSLCACert      string   `json:"sslcacert,omitempty"`
	SSLClientKey   string   `json:"sslclientkey,omitempty"`
	SSLClientCert  string   `json:"sslclientcert,omitempty"`
	GPGCheck       bool     `json:"gpgcheck"`
	RepoGPGCheck   bool     `json:"repo_gpgcheck"`
	GPGKeys        []string `json:"gpgkeys"`
	MetadataExpire string   `json:"metadata_expire"`
	ModuleHotfixes bool     `json:"module_hotfixes,omitempty"`
}

func echoRepo(repo *repoconf.Repo, keys []string) responseRepo {
	return responseRepo{
		ID:             repo.ID,
		Name:           repo.Name,
		BaseURLs:       repo.BaseURLs,
		Metalink:       repo.Metalink,
		MirrorList:     repo.MirrorList,
		SSLVerify:      repo.SSLVerify,
		SSLCACert:      repo.SSLCACert,
		SSLClientKey:   repo.SSLClientKey,
		SSLClientCert:  repo.SSLClientCert,
		GPGCheck:       repo.GPGCheck,
		RepoGPGCheck:   repo.RepoGPGCheck,
		GPGKeys:        keys,
		MetadataExpire: repo.MetadataExpire.String(),
		ModuleHotfixes: repo.ModuleHotfixes,
	}
}
