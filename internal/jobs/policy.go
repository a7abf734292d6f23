package jobs

import (
	"path/filepath"
	"strings"

	"github.com/gwlsn/stepdown/internal/media"
)

// Policy decides which paths may be touched and what kind of media they
// hold. Deny roots win over the allowed roots, even when nested inside one.
type Policy struct {
	MoviesRoot string
	TVRoot     string
	DenyRoots  []string
}

// Classify returns the kind of the library path belongs to, or an error
// wrapping ErrPathRejected. It only inspects the string, never the disk.
func (p Policy) Classify(path string) (media.Kind, error) {
	if path == "" || !filepath.IsAbs(path) {
		return media.KindUnknown, pathRejectedError(path, "not an absolute path")
	}
	path = filepath.Clean(path)

	for _, deny := range p.DenyRoots {
		if deny != "" && within(deny, path, true) {
			return media.KindUnknown, pathRejectedError(path, "inside denylisted root "+deny)
		}
	}

	// The most specific root wins when one is nested in the other.
	kind, best := media.KindUnknown, -1
	for _, r := range []struct {
		root string
		kind media.Kind
	}{
		{p.MoviesRoot, media.KindMovie},
		{p.TVRoot, media.KindEpisode},
	} {
		if r.root == "" || !within(r.root, path, false) {
			continue
		}
		if n := len(filepath.Clean(r.root)); n > best {
			kind, best = r.kind, n
		}
	}

	if kind == media.KindUnknown {
		return kind, pathRejectedError(path, "outside the movies and tv roots")
	}
	return kind, nil
}

// within reports whether path lies under root. The root itself only counts
// when inclusive is set.
func within(root, path string, inclusive bool) bool {
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil {
		return false
	}
	if rel == "." {
		return inclusive
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
