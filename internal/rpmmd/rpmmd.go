// Package rpmmd holds the RPM metadata types shared between the sack,
// the transaction resolver, and the response emitter: packages as
// described by rpm-md primary metadata, capability relations, and the
// package specs handed back to the caller.
package rpmmd

import (
	"fmt"
	"strings"
	"time"

	rpmver "github.com/knqyf263/go-rpm-version"
)

// Checksum of a package or metadata blob as declared by rpm-md.
type Checksum struct {
	Type string
	Hex  string
}

// String renders the checksum in the wire form "<algo>:<hex>" with a
// lowercase algorithm name.
func (c Checksum) String() string {
	return fmt.Sprintf("%s:%s", strings.ToLower(c.Type), c.Hex)
}

// Relation is one capability entry of a package: a provides, requires,
// recommends, conflicts, or obsoletes element. The version fields are
// only meaningful when Flags is set.
type Relation struct {
	Name    string
	Flags   string // EQ, LT, LE, GT, GE; empty for unversioned entries
	Epoch   string
	Version string
	Release string
}

func (r Relation) evr() string {
	evr := r.Version
	if r.Epoch != "" && r.Epoch != "0" {
		evr = r.Epoch + ":" + evr
	}
	if r.Release != "" {
		evr += "-" + r.Release
	}
	return evr
}

// Package is a single available package loaded from repository
// metadata, together with the repository it came from and the mirror
// location it can be fetched from.
type Package struct {
	Name        string
	Summary     string
	Description string
	URL         string
	Epoch       uint
	Version     string
	Release     string
	Arch        string
	BuildTime   time.Time
	License     string

	RepoID         string
	Location       string // path relative to the repository root
	RemoteLocation string // absolute URL at the mirror selected at load time
	Checksum       Checksum

	Provides   []Relation
	Requires   []Relation
	Recommends []Relation
	Conflicts  []Relation
	Obsoletes  []Relation
}

// EVR returns the epoch:version-release string of the package in the
// form understood by rpmvercmp.
func (p *Package) EVR() string {
	if p.Epoch > 0 {
		return fmt.Sprintf("%d:%s-%s", p.Epoch, p.Version, p.Release)
	}
	return fmt.Sprintf("%s-%s", p.Version, p.Release)
}

// NEVRA returns the canonical name-epoch:version-release.arch identity.
func (p *Package) NEVRA() string {
	return fmt.Sprintf("%s-%s.%s", p.Name, p.EVR(), p.Arch)
}

// EVRLess reports whether p sorts before other by rpmvercmp on
// (epoch, version, release). Packages with different names have no
// meaningful EVR order; callers group by name first.
func (p *Package) EVRLess(other *Package) bool {
	return rpmver.NewVersion(p.EVR()).LessThan(rpmver.NewVersion(other.EVR()))
}

// Satisfies reports whether the provide relation prov satisfies the
// require relation req. Names must match exactly; version ranges are
// compared with rpmvercmp when both sides carry one. An unversioned
// side satisfies any range, matching rpm's dependency-set semantics.
func Satisfies(prov, req Relation) bool {
	if prov.Name != req.Name {
		return false
	}
	if req.Flags == "" || prov.Flags == "" {
		return true
	}
	return rangesOverlap(prov.Flags, prov.evr(), req.Flags, req.evr())
}

func rangesOverlap(aFlags, aEVR, bFlags, bEVR string) bool {
	cmp := rpmver.NewVersion(aEVR).Compare(rpmver.NewVersion(bEVR))
	switch {
	case cmp == 0:
		// Equal versions overlap unless the bounds point away from
		// each other without including the endpoint.
		aIncl := aFlags == "EQ" || aFlags == "LE" || aFlags == "GE"
		bIncl := bFlags == "EQ" || bFlags == "LE" || bFlags == "GE"
		if aIncl && bIncl {
			return true
		}
		aUp := aFlags == "GT" || aFlags == "GE"
		bUp := bFlags == "GT" || bFlags == "GE"
		aDown := aFlags == "LT" || aFlags == "LE"
		bDown := bFlags == "LT" || bFlags == "LE"
		return (aUp && bUp) || (aDown && bDown)
	case cmp < 0:
		// a sits below b: overlap needs a unbounded above or b
		// unbounded below.
		aUp := aFlags == "GT" || aFlags == "GE"
		bDown := bFlags == "LT" || bFlags == "LE"
		return aUp || bDown
	default:
		bUp := bFlags == "GT" || bFlags == "GE"
		aDown := aFlags == "LT" || aFlags == "LE"
		return bUp || aDown
	}
}

// PackageSpec is one resolved package of a depsolve response.
type PackageSpec struct {
	Name           string `json:"name"`
	Epoch          uint   `json:"epoch"`
	Version        string `json:"version"`
	Release        string `json:"release"`
	Arch           string `json:"arch"`
	RepoID         string `json:"repo_id"`
	Path           string `json:"path"`
	RemoteLocation string `json:"remote_location"`
	Checksum       string `json:"checksum"`
}

// Spec converts a metadata package into its response form.
func (p *Package) Spec() PackageSpec {
	return PackageSpec{
		Name:           p.Name,
		Epoch:          p.Epoch,
		Version:        p.Version,
		Release:        p.Release,
		Arch:           p.Arch,
		RepoID:         p.RepoID,
		Path:           p.Location,
		RemoteLocation: p.RemoteLocation,
		Checksum:       p.Checksum.String(),
	}
}

// PackageDescriptor is the dump/search serialization of an available
// package.
type PackageDescriptor struct {
	Name        string `json:"name"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	URL         string `json:"url"`
	RepoID      string `json:"repo_id"`
	Epoch       uint   `json:"epoch"`
	Version     string `json:"version"`
	Release     string `json:"release"`
	Arch        string `json:"arch"`
	BuildTime   string `json:"buildtime"`
	License     string `json:"license"`
}

// Describe converts a metadata package into its dump/search form.
// Build times are rendered as RFC 3339 UTC.
func (p *Package) Describe() PackageDescriptor {
	return PackageDescriptor{
		Name:        p.Name,
		Summary:     p.Summary,
		Description: p.Description,
		URL:         p.URL,
		RepoID:      p.RepoID,
		Epoch:       p.Epoch,
		Version:     p.Version,
		Release:     p.Release,
		Arch:        p.Arch,
		BuildTime:   p.BuildTime.UTC().Format("2006-01-02T15:04:05Z"),
		License:     p.License,
	}
}
