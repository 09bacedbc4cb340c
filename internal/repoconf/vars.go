package repoconf

import (
	"os"
	"path/filepath"
	"strings"
)

// loadVars collects substitution variables for repo file expansion.
// The built-in $releasever, $basearch, and $arch always exist; any
// file under <root>/etc/yum/vars or <root>/etc/dnf/vars adds a
// variable named after the file, dnf vars winning over yum vars.
func loadVars(root, arch, releasever string) map[string]string {
	subst := map[string]string{
		"releasever": releasever,
		"basearch":   basearch(arch),
		"arch":       arch,
	}
	for _, dir := range []string{"etc/yum/vars", "etc/dnf/vars"} {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, dir, entry.Name()))
			if err != nil {
				continue
			}
			subst[entry.Name()] = strings.TrimSuffix(string(data), "\n")
		}
	}
	return subst
}

// basearch maps a machine architecture to its repository base
// architecture, mirroring dnf's arch tables for the common cases.
func basearch(arch string) string {
	switch arch {
	case "i386", "i486", "i586", "i686":
		return "i386"
	case "armv7hl", "armv7l":
		return "armhfp"
	default:
		return arch
	}
}

// substitute expands $var and ${var} occurrences of the known
// variables; unknown variables are left as written, the way dnf does.
func substitute(value string, subst map[string]string) string {
	if !strings.Contains(value, "$") {
		return value
	}
	return os.Expand(value, func(name string) string {
		if v, ok := subst[name]; ok {
			return v
		}
		return "$" + name
	})
}
