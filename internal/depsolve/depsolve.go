// Package depsolve implements the transaction resolver. A request's
// transactions are processed as a fold: the packages resolved by
// transaction k are marked installed for transaction k+1, so every
// step depsolves against the cumulative image rather than a union of
// goals.
//
// Feasibility is decided by a SAT core: packages become boolean
// variables, hard requires become implications over their providers,
// conflicts and same-name pairs become mutual exclusions. The install
// set is then extracted from the model by a deterministic
// dependency-first walk, which keeps the emitted order stable across
// identical requests.
package depsolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crillab/gophersat/bf"
	"github.com/gobwas/glob"

	"github.com/osbuild/dnf-json/internal/request"
	"github.com/osbuild/dnf-json/internal/rpmmd"
)

// Index is the metadata sack as the resolver sees it.
type Index interface {
	All() []*rpmmd.Package
}

// MarkingError lists the package specs that matched no candidate.
type MarkingError struct {
	Specs []string
}

func (e MarkingError) Error() string {
	return fmt.Sprintf("nothing provides the requested specs: %s", strings.Join(e.Specs, ", "))
}

// UnsolvableError marks an infeasible transaction. Specs carries the
// package specs of all transactions in the request so a failure can be
// reproduced from the error alone.
type UnsolvableError struct {
	Specs  []string
	Detail string
}

func (e UnsolvableError) Error() string {
	return fmt.Sprintf("cannot depsolve %s: %s", strings.Join(e.Specs, ", "), e.Detail)
}

// Solver resolves chained transactions against a loaded sack.
type Solver struct {
	index Index
	arch  string
}

func New(index Index, arch string) *Solver {
	return &Solver{index: index, arch: arch}
}

// Run processes the transactions in input order and returns the
// cumulative installed set: every package placed by any transaction,
// dependencies first, in resolver order. Later transactions see the
// earlier ones as already installed and never re-add them.
func (s *Solver) Run(transactions []request.Transaction) ([]*rpmmd.Package, error) {
	var installed []*rpmmd.Package
	installedSet := make(map[string]bool)

	for _, txn := range transactions {
		forward, err := s.resolve(&txn, installed, installedSet)
		if err != nil {
			if unsolvable, ok := err.(UnsolvableError); ok {
				unsolvable.Specs = allSpecs(transactions)
				return nil, unsolvable
			}
			return nil, err
		}
		for _, pkg := range forward {
			installed = append(installed, pkg)
			installedSet[pkgKey(pkg)] = true
		}
	}
	return installed, nil
}

func allSpecs(transactions []request.Transaction) []string {
	var specs []string
	for _, txn := range transactions {
		specs = append(specs, txn.PackageSpecs...)
	}
	return specs
}

func pkgKey(p *rpmmd.Package) string {
	return p.RepoID + "\x00" + p.NEVRA()
}

// universe is the per-transaction view of the sack: the packages the
// transaction may draw from, with their provider index.
type universe struct {
	pkgs      []*rpmmd.Package
	byName    map[string][]*rpmmd.Package
	providers map[string][]*rpmmd.Package
	keys      map[string]*rpmmd.Package
}

func (s *Solver) buildUniverse(txn *request.Transaction, installed []*rpmmd.Package) *universe {
	repoFilter := make(map[string]bool, len(txn.RepoIDs))
	for _, id := range txn.RepoIDs {
		repoFilter[id] = true
	}

	excludes := compileSpecs(txn.ExcludeSpecs)

	u := &universe{
		byName:    make(map[string][]*rpmmd.Package),
		providers: make(map[string][]*rpmmd.Package),
		keys:      make(map[string]*rpmmd.Package),
	}
	add := func(pkg *rpmmd.Package) {
		key := pkgKey(pkg)
		if _, ok := u.keys[key]; ok {
			return
		}
		u.keys[key] = pkg
		u.pkgs = append(u.pkgs, pkg)
		u.byName[pkg.Name] = append(u.byName[pkg.Name], pkg)
		u.providers[pkg.Name] = append(u.providers[pkg.Name], pkg)
		for _, prov := range pkg.Provides {
			if prov.Name != pkg.Name {
				u.providers[prov.Name] = append(u.providers[prov.Name], pkg)
			}
		}
	}

	// Carried-over packages stay available regardless of repo
	// restrictions and excludes.
	for _, pkg := range installed {
		add(pkg)
	}
	for _, pkg := range s.index.All() {
		if pkg.Arch != s.arch && pkg.Arch != "noarch" {
			continue
		}
		if len(repoFilter) > 0 && !repoFilter[pkg.RepoID] {
			continue
		}
		if excludes.match(pkg) {
			continue
		}
		add(pkg)
	}
	return u
}

func (s *Solver) resolve(txn *request.Transaction, installed []*rpmmd.Package, installedSet map[string]bool) ([]*rpmmd.Package, error) {
	u := s.buildUniverse(txn, installed)

	// Marking: every requested spec selects its candidate set, keyed
	// by package name so a glob spec installs each matching name.
	goals, failed := markSpecs(txn.PackageSpecs, u)
	if len(failed) > 0 {
		return nil, MarkingError{Specs: failed}
	}

	weak := txn.InstallWeakDeps
	model, err := s.solveModel(u, installed, goals, weak)
	if err != nil && weak {
		// Weak dependencies are droppable: retry with only the hard
		// dependency closure before declaring the goal infeasible.
		weak = false
		model, err = s.solveModel(u, installed, goals, weak)
	}
	if err != nil {
		return nil, err
	}

	return s.extract(u, installed, installedSet, goals, model, weak), nil
}

// sat is a solved constraint set. Preferred packages are pinned onto
// it one by one during extraction, re-solving only when the pin is not
// already satisfied by the current model.
type sat struct {
	formulas []bf.Formula
	model    map[string]bool
}

// prefer pins key true when the constraint set allows it and reports
// whether it did.
func (m *sat) prefer(key string) bool {
	if m.model[key] {
		m.formulas = append(m.formulas, bf.Var(key))
		return true
	}
	clauses := make([]bf.Formula, len(m.formulas)+1)
	copy(clauses, m.formulas)
	clauses[len(clauses)-1] = bf.Var(key)
	trial := bf.Solve(bf.And(clauses...))
	if trial == nil {
		return false
	}
	m.formulas = append(m.formulas, bf.Var(key))
	m.model = trial
	return true
}

// solveModel encodes the transaction and runs the SAT core. When weak
// is set, recommends with an available provider are encoded like hard
// requires.
func (s *Solver) solveModel(u *universe, installed []*rpmmd.Package, goals []goal, weak bool) (*sat, error) {
	var formulas []bf.Formula

	// Prior transactions' packages are installed, strictly.
	for _, pkg := range installed {
		formulas = append(formulas, bf.Var(pkgKey(pkg)))
	}

	// Each goal name must have one of its candidates.
	for _, g := range goals {
		vars := make([]bf.Formula, len(g.candidates))
		for i, c := range g.candidates {
			vars[i] = bf.Var(pkgKey(c))
		}
		formulas = append(formulas, bf.Or(vars...))
	}

	// Dependency closure, breadth-first over everything reachable.
	seen := make(map[string]bool)
	var queue []*rpmmd.Package
	push := func(pkg *rpmmd.Package) {
		key := pkgKey(pkg)
		if !seen[key] {
			seen[key] = true
			queue = append(queue, pkg)
		}
	}
	for _, pkg := range installed {
		push(pkg)
	}
	for _, g := range goals {
		for _, c := range g.candidates {
			push(c)
		}
	}

	names := make(map[string][]*rpmmd.Package)
	for len(queue) > 0 {
		pkg := queue[0]
		queue = queue[1:]
		pvar := bf.Var(pkgKey(pkg))
		names[pkg.Name] = append(names[pkg.Name], pkg)

		deps := pkg.Requires
		if weak {
			deps = append(deps[:len(deps):len(deps)], pkg.Recommends...)
		}
		for _, req := range deps {
			providers := u.satisfying(req)
			if len(providers) == 0 {
				if weak && isRecommend(pkg, req) {
					continue
				}
				// A package with a missing dependency cannot be
				// installed at all.
				formulas = append(formulas, bf.Not(pvar))
				break
			}
			vars := make([]bf.Formula, len(providers))
			for i, prov := range providers {
				vars[i] = bf.Var(pkgKey(prov))
				push(prov)
			}
			formulas = append(formulas, bf.Implies(pvar, bf.Or(vars...)))
		}

		for _, conflict := range pkg.Conflicts {
			for _, other := range u.satisfying(conflict) {
				if other != pkg {
					formulas = append(formulas, bf.Or(bf.Not(pvar), bf.Not(bf.Var(pkgKey(other)))))
				}
			}
		}
		for _, obsolete := range pkg.Obsoletes {
			for _, other := range u.byName[obsolete.Name] {
				if other != pkg && versionInRange(other, obsolete) {
					formulas = append(formulas, bf.Or(bf.Not(pvar), bf.Not(bf.Var(pkgKey(other)))))
				}
			}
		}
	}

	// At most one package per name.
	for _, pkgs := range names {
		for i := 0; i < len(pkgs); i++ {
			for j := i + 1; j < len(pkgs); j++ {
				formulas = append(formulas, bf.Or(bf.Not(bf.Var(pkgKey(pkgs[i]))), bf.Not(bf.Var(pkgKey(pkgs[j])))))
			}
		}
	}

	model := bf.Solve(bf.And(formulas...))
	if model == nil {
		return nil, UnsolvableError{Detail: "conflicting requests"}
	}
	return &sat{formulas: formulas, model: model}, nil
}

func isRecommend(pkg *rpmmd.Package, rel rpmmd.Relation) bool {
	for _, rec := range pkg.Recommends {
		if rec == rel {
			return true
		}
	}
	return false
}

// satisfying returns the universe packages whose provides satisfy the
// relation, version constraints included.
func (u *universe) satisfying(req rpmmd.Relation) []*rpmmd.Package {
	var out []*rpmmd.Package
	for _, pkg := range u.providers[req.Name] {
		if providerSatisfies(pkg, req) {
			out = append(out, pkg)
		}
	}
	return out
}

func providerSatisfies(pkg *rpmmd.Package, req rpmmd.Relation) bool {
	if pkg.Name == req.Name {
		self := rpmmd.Relation{
			Name:    pkg.Name,
			Flags:   "EQ",
			Epoch:   fmt.Sprintf("%d", pkg.Epoch),
			Version: pkg.Version,
			Release: pkg.Release,
		}
		if rpmmd.Satisfies(self, req) {
			return true
		}
	}
	for _, prov := range pkg.Provides {
		if rpmmd.Satisfies(prov, req) {
			return true
		}
	}
	return false
}

func versionInRange(pkg *rpmmd.Package, rel rpmmd.Relation) bool {
	if rel.Flags == "" {
		return true
	}
	self := rpmmd.Relation{
		Name:    rel.Name,
		Flags:   "EQ",
		Epoch:   fmt.Sprintf("%d", pkg.Epoch),
		Version: pkg.Version,
		Release: pkg.Release,
	}
	return rpmmd.Satisfies(self, rel)
}

// extract walks the model dependency-first from the installed set and
// the goal candidates, and returns the newly installed packages in
// walk order. Provider choice prefers carried-over packages, then
// native arch over noarch, then the highest NEVRA, then sack order,
// which keeps identical requests byte-identical.
func (s *Solver) extract(u *universe, installed []*rpmmd.Package, installedSet map[string]bool, goals []goal, model *sat, weak bool) []*rpmmd.Package {
	var order []*rpmmd.Package
	visited := make(map[string]bool)
	for _, pkg := range installed {
		visited[pkgKey(pkg)] = true
	}

	var visit func(pkg *rpmmd.Package)
	visit = func(pkg *rpmmd.Package) {
		key := pkgKey(pkg)
		if visited[key] {
			return
		}
		visited[key] = true

		deps := pkg.Requires
		if weak {
			deps = append(deps[:len(deps):len(deps)], pkg.Recommends...)
		}
		for _, req := range deps {
			providers := u.satisfying(req)
			if satisfiedByInstalled(providers, installedSet, visited) {
				continue
			}
			if chosen := s.chooseProvider(providers, model); chosen != nil {
				visit(chosen)
			}
		}
		order = append(order, pkg)
	}

	for _, g := range goals {
		if chosen := s.chooseProvider(g.candidates, model); chosen != nil {
			visit(chosen)
		}
	}
	return order
}

func satisfiedByInstalled(providers []*rpmmd.Package, installedSet, visited map[string]bool) bool {
	for _, prov := range providers {
		key := pkgKey(prov)
		if installedSet[key] || visited[key] {
			return true
		}
	}
	return false
}

// chooseProvider walks the providers in preference order and returns
// the first the constraint set can accommodate.
func (s *Solver) chooseProvider(providers []*rpmmd.Package, model *sat) *rpmmd.Package {
	for _, prov := range orderByPreference(providers, s.arch) {
		if model.prefer(pkgKey(prov)) {
			return prov
		}
	}
	return nil
}

// orderByPreference sorts providers best-first: native arch over
// noarch, then highest EVR among same-name candidates, sack order as
// the stable tiebreak.
func orderByPreference(providers []*rpmmd.Package, arch string) []*rpmmd.Package {
	out := append([]*rpmmd.Package(nil), providers...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Arch == arch) != (b.Arch == arch) {
			return a.Arch == arch
		}
		if a.Name == b.Name && b.EVRLess(a) {
			return true
		}
		return false
	})
	return out
}

// goal is one package spec with its candidate set for a single name.
type goal struct {
	spec       string
	name       string
	candidates []*rpmmd.Package
}

// markSpecs resolves every requested spec to candidate packages. A
// spec matches by exact name, by NEVRA form, or by glob over both.
// Glob specs expand to one goal per matching name.
func markSpecs(specs []string, u *universe) ([]goal, []string) {
	var goals []goal
	var failed []string
	for _, spec := range specs {
		matched := matchInstallSpec(spec, u)
		if len(matched) == 0 {
			failed = append(failed, spec)
			continue
		}
		names := make([]string, 0, len(matched))
		for name := range matched {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			goals = append(goals, goal{spec: spec, name: name, candidates: matched[name]})
		}
	}
	return goals, failed
}

func matchInstallSpec(spec string, u *universe) map[string][]*rpmmd.Package {
	matched := make(map[string][]*rpmmd.Package)

	if pkgs, ok := u.byName[spec]; ok {
		matched[spec] = pkgs
		return matched
	}

	if strings.ContainsAny(spec, "*?[") {
		g, err := glob.Compile(spec)
		if err != nil {
			return nil
		}
		for name, pkgs := range u.byName {
			if g.Match(name) {
				matched[name] = pkgs
				continue
			}
			for _, pkg := range pkgs {
				if g.Match(pkg.NEVRA()) {
					matched[name] = append(matched[name], pkg)
				}
			}
		}
		return matched
	}

	// NEVRA forms: name-version, name-version-release, full NEVRA.
	for name, pkgs := range u.byName {
		if !strings.HasPrefix(spec, name+"-") {
			continue
		}
		for _, pkg := range pkgs {
			if specMatchesNEVRA(spec, pkg) {
				matched[name] = append(matched[name], pkg)
			}
		}
	}
	return matched
}

func specMatchesNEVRA(spec string, pkg *rpmmd.Package) bool {
	forms := []string{
		pkg.NEVRA(),
		fmt.Sprintf("%s-%s", pkg.Name, pkg.EVR()),
		fmt.Sprintf("%s-%s-%s", pkg.Name, pkg.Version, pkg.Release),
		fmt.Sprintf("%s-%s", pkg.Name, pkg.Version),
	}
	for _, form := range forms {
		if spec == form {
			return true
		}
	}
	return false
}

// excludeMatcher matches exclude specs against names and NEVRAs.
type excludeMatcher struct {
	exact map[string]bool
	globs []glob.Glob
}

func compileSpecs(specs []string) excludeMatcher {
	m := excludeMatcher{exact: make(map[string]bool)}
	for _, spec := range specs {
		if strings.ContainsAny(spec, "*?[") {
			if g, err := glob.Compile(spec); err == nil {
				m.globs = append(m.globs, g)
			}
			continue
		}
		m.exact[spec] = true
	}
	return m
}

func (m excludeMatcher) match(pkg *rpmmd.Package) bool {
	if m.exact[pkg.Name] || m.exact[pkg.NEVRA()] {
		return true
	}
	for _, g := range m.globs {
		if g.Match(pkg.Name) || g.Match(pkg.NEVRA()) {
			return true
		}
	}
	return false
}
