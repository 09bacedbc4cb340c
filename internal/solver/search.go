package solver

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/osbuild/dnf-json/internal/request"
	"github.com/osbuild/dnf-json/internal/rpmmd"
)

// searchPackages filters the sack by the requested name patterns.
// Results are concatenated in pattern input order and not deduped.
func searchPackages(pkgs []*rpmmd.Package, args request.SearchArgs) ([]rpmmd.PackageDescriptor, error) {
	var out []rpmmd.PackageDescriptor
	for _, pattern := range args.Packages {
		match, err := compilePattern(pattern)
		if err != nil {
			return nil, request.ValidationError{Reason: err.Error()}
		}
		var matched []*rpmmd.Package
		for _, pkg := range pkgs {
			if match(pkg.Name) {
				matched = append(matched, pkg)
			}
		}
		if args.Latest {
			matched = latestOnly(matched)
		}
		for _, pkg := range matched {
			out = append(out, pkg.Describe())
		}
	}
	return out, nil
}

// compilePattern classifies a search pattern: no asterisk means an
// exact name match, a leading and trailing asterisk means substring,
// anything else with an asterisk is a glob.
func compilePattern(pattern string) (func(string) bool, error) {
	if !strings.Contains(pattern, "*") {
		return func(name string) bool { return name == pattern }, nil
	}
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
		inner := pattern[1 : len(pattern)-1]
		if !strings.Contains(inner, "*") {
			return func(name string) bool { return strings.Contains(name, inner) }, nil
		}
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return g.Match, nil
}

// latestOnly reduces the matches to the highest version per name and
// arch, keeping first-seen order.
func latestOnly(pkgs []*rpmmd.Package) []*rpmmd.Package {
	type key struct{ name, arch string }
	best := make(map[key]*rpmmd.Package)
	var order []key
	for _, pkg := range pkgs {
		k := key{pkg.Name, pkg.Arch}
		cur, ok := best[k]
		if !ok {
			best[k] = pkg
			order = append(order, k)
			continue
		}
		if cur.EVRLess(pkg) {
			best[k] = pkg
		}
	}
	out := make([]*rpmmd.Package, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}
