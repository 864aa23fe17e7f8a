package manifest

import (
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/pkg/errors"
)

const ignoreCacheSize = 256

// ignoreSet holds one compiled matcher per directory that contains a
// .gitignore, anchored to that directory. A lookup consults the matcher of
// every ancestor directory of the queried path (and of the path itself) and
// reports the path ignored if any of them matches it. A '!' negation takes
// effect only within its own .gitignore: a deeper .gitignore can add
// exclusions but cannot un-ignore a path a shallower one excludes.
type ignoreSet struct {
	root     string
	matchers *lru.Cache[string, *gitignore.GitIgnore]
	// dirsWithIgnore lists, relative-to-root, every directory that has a
	// .gitignore file, built once up front by Build.
	dirsWithIgnore []string
}

// buildIgnoreSet scans root for .gitignore files at every directory level
// and compiles one matcher per file via go-gitignore, anchored to its
// containing directory (spec.md §4.3 step 2).
func buildIgnoreSet(root string) (*ignoreSet, error) {
	cache, err := lru.New[string, *gitignore.GitIgnore](ignoreCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "manifest: allocate gitignore cache")
	}
	set := &ignoreSet{root: root, matchers: cache}

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() != ".gitignore" {
			return nil
		}
		dir := filepath.Dir(path)
		rel, rerr := filepath.Rel(root, dir)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			rel = ""
		}
		gi, gerr := gitignore.CompileIgnoreFile(path)
		if gerr != nil {
			return errors.Wrapf(gerr, "manifest: parse %s", path)
		}
		set.matchers.Add(rel, gi)
		set.dirsWithIgnore = append(set.dirsWithIgnore, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// Ignored reports whether relPath (forward-slash, relative to root) is
// excluded by any ancestor .gitignore. isDir tells go-gitignore whether to
// apply directory-only ("trailing /") patterns.
func (s *ignoreSet) Ignored(relPath string, isDir bool) bool {
	if s == nil {
		return false
	}
	ignored := false
	for _, dir := range s.dirsWithIgnore {
		if !isAncestorOrSelf(dir, relPath) {
			continue
		}
		gi, ok := s.matchers.Get(dir)
		if !ok {
			continue
		}
		rel := strings.TrimPrefix(relPath, dir)
		rel = strings.TrimPrefix(rel, "/")
		candidate := rel
		if isDir {
			candidate += "/"
		}
		// go-gitignore folds a file's own '!' negations into a single
		// bool already. A matcher that does not match leaves the result
		// unchanged, so once any ancestor's .gitignore excludes the path
		// no other .gitignore can un-ignore it.
		if gi.MatchesPath(candidate) {
			ignored = true
		}
	}
	return ignored
}

func isAncestorOrSelf(dir, relPath string) bool {
	if dir == "" {
		return true
	}
	return relPath == dir || strings.HasPrefix(relPath, dir+"/")
}
