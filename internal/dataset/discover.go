package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pingcap/errors"
)

var edgeFileRegexp = regexp.MustCompile(`\.(tsv|csv)$`)

// DiscoverEdgeFiles returns the edge-list files beneath root. A root that is
// itself a file is returned as is.
func DiscoverEdgeFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Annotate(err, "discover edge files")
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	entries := make([]string, 0)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if edgeFileRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "discover edge files")
	}
	sort.Strings(entries)
	return entries, nil
}
