// Package repoconf turns the repositories of a request, plus the repo
// files of an optional image root, into normalized repository
// configurations for the metadata sack.
//
// Loading runs in two phases. Phase A materializes the repos supplied
// directly in the request; their paths are host-absolute. Phase B, only
// when a root_dir is given, reads every .repo file under
// <root>/etc/yum.repos.d, applies the variable substitutions found
// under <root>/etc/yum/vars and <root>/etc/dnf/vars, and rewrites
// absolute TLS paths to live under the root. GPG key URLs are kept as
// written.
package repoconf

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/osbuild/dnf-json/internal/request"
)

// DefaultMetadataExpire keeps metadata revalidation frequent but
// cheap; a stale cache between builds costs more than the check.
const DefaultMetadataExpire = 20 * time.Second

// Repo is a normalized repository configuration.
type Repo struct {
	ID             string
	Name           string
	BaseURLs       []string
	Metalink       string
	MirrorList     string
	SSLVerify      bool
	SSLCACert      string
	SSLClientKey   string
	SSLClientCert  string
	GPGCheck       bool
	RepoGPGCheck   bool
	GPGKeys        []string // inline armored blocks or URLs, in order
	StagedKeys     []string // GPGKeys with inline blocks replaced by file:// URIs
	MetadataExpire time.Duration
	ModuleHotfixes bool

	// FromRequest marks phase-A repos; their paths are host-absolute
	// and never rewritten against the image root.
	FromRequest bool
}

// InvalidError marks a structurally broken repository configuration.
// The caller reports it with kind "InvalidRequest".
type InvalidError struct {
	Reason string
}

func (e InvalidError) Error() string {
	return e.Reason
}

// Load materializes all repositories of a request. Request repos come
// first, in input order; root-dir repos follow in file name order.
func Load(args *request.Arguments, arch, releasever string) ([]Repo, error) {
	repos := make([]Repo, 0, len(args.Repos))
	fromRequest := make(map[string]bool, len(args.Repos))

	for _, desc := range args.Repos {
		repo, err := fromDescriptor(desc)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
		fromRequest[repo.ID] = true
	}

	if args.RootDir != "" {
		subst := loadVars(args.RootDir, arch, releasever)
		rootRepos, err := loadRepoFiles(args.RootDir, subst)
		if err != nil {
			return nil, err
		}
		for _, repo := range rootRepos {
			if fromRequest[repo.ID] {
				continue
			}
			repos = append(repos, repo)
		}
	}

	for _, repo := range repos {
		if err := checkSource(repo); err != nil {
			return nil, err
		}
	}
	return repos, nil
}

func checkSource(repo Repo) error {
	n := 0
	if len(repo.BaseURLs) > 0 {
		n++
	}
	if repo.Metalink != "" {
		n++
	}
	if repo.MirrorList != "" {
		n++
	}
	if n != 1 {
		return InvalidError{Reason: fmt.Sprintf("repo %q: exactly one of baseurl, metalink, mirrorlist must be set", repo.ID)}
	}
	return nil
}

func fromDescriptor(desc request.RepoDescriptor) (Repo, error) {
	if desc.ID == "" {
		return Repo{}, InvalidError{Reason: "repo without an 'id'"}
	}

	expire := DefaultMetadataExpire
	if desc.MetadataExpire != "" {
		d, err := parseExpire(desc.MetadataExpire)
		if err != nil {
			return Repo{}, InvalidError{Reason: fmt.Sprintf("repo %q: bad metadata_expire: %v", desc.ID, err)}
		}
		expire = d
	}

	keys := make([]string, 0, len(desc.GPGKeys)+1)
	if desc.GPGKey != "" {
		keys = append(keys, desc.GPGKey)
	}
	keys = append(keys, desc.GPGKeys...)

	sslVerify := true
	if desc.SSLVerify != nil {
		sslVerify = *desc.SSLVerify
	}

	return Repo{
		ID:             desc.ID,
		Name:           desc.Name,
		BaseURLs:       desc.BaseURLs,
		Metalink:       desc.Metalink,
		MirrorList:     desc.MirrorList,
		SSLVerify:      sslVerify,
		SSLCACert:      desc.SSLCACert,
		SSLClientKey:   desc.SSLClientKey,
		SSLClientCert:  desc.SSLClientCert,
		GPGCheck:       desc.GPGCheck,
		RepoGPGCheck:   desc.RepoGPGCheck,
		GPGKeys:        keys,
		MetadataExpire: expire,
		ModuleHotfixes: desc.ModuleHotfixes,
		FromRequest:    true,
	}, nil
}

// parseExpire understands Go duration strings, bare seconds, and the
// dnf "<n>d" day suffix.
func parseExpire(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}

func loadRepoFiles(root string, subst map[string]string) ([]Repo, error) {
	reposDir := filepath.Join(root, "etc/yum.repos.d")
	entries, err := os.ReadDir(reposDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", reposDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".repo") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var repos []Repo
	for _, name := range names {
		path := filepath.Join(reposDir, name)
		fileRepos, err := parseRepoFile(path, root, subst)
		if err != nil {
			return nil, err
		}
		repos = append(repos, fileRepos...)
	}
	return repos, nil
}

func parseRepoFile(path, root string, subst map[string]string) ([]Repo, error) {
	// dnf repo files continue values on indented lines, notably
	// multi-URL gpgkey entries.
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowPythonMultilineValues: true}, path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	var repos []Repo
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		if section.HasKey("enabled") && !section.Key("enabled").MustBool(true) {
			continue
		}

		repo := Repo{
			ID:             section.Name(),
			Name:           substitute(section.Key("name").String(), subst),
			SSLVerify:      true,
			MetadataExpire: DefaultMetadataExpire,
		}
		if section.HasKey("baseurl") {
			repo.BaseURLs = splitList(substitute(section.Key("baseurl").String(), subst))
		}
		repo.Metalink = substitute(section.Key("metalink").String(), subst)
		repo.MirrorList = substitute(section.Key("mirrorlist").String(), subst)
		if section.HasKey("sslverify") {
			repo.SSLVerify = section.Key("sslverify").MustBool(true)
		}
		repo.SSLCACert = rootPath(root, section.Key("sslcacert").String())
		repo.SSLClientKey = rootPath(root, section.Key("sslclientkey").String())
		repo.SSLClientCert = rootPath(root, section.Key("sslclientcert").String())
		repo.GPGCheck = section.Key("gpgcheck").MustBool(false)
		repo.RepoGPGCheck = section.Key("repo_gpgcheck").MustBool(false)
		repo.GPGKeys = splitList(substitute(section.Key("gpgkey").String(), subst))
		if section.HasKey("metadata_expire") {
			if d, err := parseExpire(section.Key("metadata_expire").String()); err == nil {
				repo.MetadataExpire = d
			}
		}
		repo.ModuleHotfixes = section.Key("module_hotfixes").MustBool(false)

		repos = append(repos, repo)
	}
	return repos, nil
}

// rootPath prefixes absolute paths from image-root repo files with the
// root itself; the files they point at live inside the image tree.
func rootPath(root, path string) string {
	if path == "" || !filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func splitList(value string) []string {
	return strings.Fields(value)
}
