package sack

import (
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/osbuild/dnf-json/internal/rpmmd"
)

// repomd models repodata/repomd.xml.
type repomd struct {
	Revision string       `xml:"revision"`
	Data     []repomdData `xml:"data"`
}

type repomdData struct {
	Type     string         `xml:"type,attr"`
	Checksum repomdChecksum `xml:"checksum"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Timestamp string `xml:"timestamp"`
	Size      string `xml:"size"`
}

type repomdChecksum struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// primary locates the plain primary metadata entry. zchunk variants
// (primary_zck) are never considered: a cache populated for another
// architecture makes partial-range downloads pathologically slow.
func (md *repomd) primary() (*repomdData, error) {
	for i := range md.Data {
		if md.Data[i].Type == "primary" {
			return &md.Data[i], nil
		}
	}
	return nil, fmt.Errorf("repomd.xml has no primary data entry")
}

func parseRepomd(data []byte) (*repomd, error) {
	var md repomd
	if err := xml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parsing repomd.xml: %w", err)
	}
	return &md, nil
}

// primaryMetadata models the <metadata> document of primary.xml.
type primaryMetadata struct {
	Packages []primaryPackage `xml:"package"`
}

type primaryPackage struct {
	Type    string `xml:"type,attr"`
	Name    string `xml:"name"`
	Arch    string `xml:"arch"`
	Version struct {
		Epoch string `xml:"epoch,attr"`
		Ver   string `xml:"ver,attr"`
		Rel   string `xml:"rel,attr"`
	} `xml:"version"`
	Checksum    repomdChecksum `xml:"checksum"`
	Summary     string         `xml:"summary"`
	Description string         `xml:"description"`
	URL         string         `xml:"url"`
	Time        struct {
		Build int64 `xml:"build,attr"`
	} `xml:"time"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Format struct {
		License    string     `xml:"license"`
		Provides   []capEntry `xml:"provides>entry"`
		Requires   []capEntry `xml:"requires>entry"`
		Recommends []capEntry `xml:"recommends>entry"`
		Conflicts  []capEntry `xml:"conflicts>entry"`
		Obsoletes  []capEntry `xml:"obsoletes>entry"`
		Files      []string   `xml:"file"`
	} `xml:"format"`
}

type capEntry struct {
	Name  string `xml:"name,attr"`
	Flags string `xml:"flags,attr"`
	Epoch string `xml:"epoch,attr"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
}

func (e capEntry) relation() rpmmd.Relation {
	return rpmmd.Relation{
		Name:    e.Name,
		Flags:   e.Flags,
		Epoch:   e.Epoch,
		Version: e.Ver,
		Release: e.Rel,
	}
}

// parsePrimary turns a primary.xml document into sack packages for the
// given repository, with remote locations anchored at the selected
// mirror base.
func parsePrimary(data []byte, repoID, mirrorBase string) ([]*rpmmd.Package, error) {
	var md primaryMetadata
	if err := xml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parsing primary metadata: %w", err)
	}

	pkgs := make([]*rpmmd.Package, 0, len(md.Packages))
	for i := range md.Packages {
		pp := &md.Packages[i]
		if pp.Type != "" && pp.Type != "rpm" {
			continue
		}
		epoch := uint(0)
		if pp.Version.Epoch != "" {
			e, err := strconv.ParseUint(pp.Version.Epoch, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("package %s: bad epoch %q", pp.Name, pp.Version.Epoch)
			}
			epoch = uint(e)
		}

		pkg := &rpmmd.Package{
			Name:        pp.Name,
			Summary:     pp.Summary,
			Description: pp.Description,
			URL:         pp.URL,
			Epoch:       epoch,
			Version:     pp.Version.Ver,
			Release:     pp.Version.Rel,
			Arch:        pp.Arch,
			BuildTime:   time.Unix(pp.Time.Build, 0).UTC(),
			License:     pp.Format.License,

			RepoID:         repoID,
			Location:       pp.Location.Href,
			RemoteLocation: joinURL(mirrorBase, pp.Location.Href),
			Checksum: rpmmd.Checksum{
				Type: pp.Checksum.Type,
				Hex:  pp.Checksum.Value,
			},
		}

		pkg.Provides = relations(pp.Format.Provides)
		pkg.Requires = hardRequires(pp.Format.Requires)
		pkg.Recommends = relations(pp.Format.Recommends)
		pkg.Conflicts = relations(pp.Format.Conflicts)
		pkg.Obsoletes = relations(pp.Format.Obsoletes)
		for _, file := range pp.Format.Files {
			pkg.Provides = append(pkg.Provides, rpmmd.Relation{Name: file})
		}

		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

func relations(entries []capEntry) []rpmmd.Relation {
	if len(entries) == 0 {
		return nil
	}
	rels := make([]rpmmd.Relation, 0, len(entries))
	for _, e := range entries {
		rels = append(rels, e.relation())
	}
	return rels
}

// hardRequires drops rpmlib() capabilities; they describe rpm itself,
// not anything a repository can provide.
func hardRequires(entries []capEntry) []rpmmd.Relation {
	var rels []rpmmd.Relation
	for _, e := range entries {
		if len(e.Name) > 7 && e.Name[:7] == "rpmlib(" {
			continue
		}
		rels = append(rels, e.relation())
	}
	return rels
}

// decompress wraps r according to the metadata file extension.
func decompress(r io.Reader, href string) (io.Reader, error) {
	switch path.Ext(href) {
	case ".gz":
		return gzip.NewReader(r)
	case ".xz":
		return xz.NewReader(r)
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return r, nil
	}
}

func joinURL(base, rel string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/" + rel
}
