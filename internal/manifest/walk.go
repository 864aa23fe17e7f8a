package manifest

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Options configures a Build scan.
type Options struct {
	// DisableGitignore turns off .gitignore exclusion entirely. The zero
	// value respects gitignore, matching spec.md's default behavior.
	DisableGitignore bool
	// Quick, when true, skips content hashing entirely: files are compared
	// by size and modification time only (spec.md §4.3 "quick mode").
	Quick bool
	// Previous is a prior manifest for the same root. When a candidate
	// file's size and modification time are unchanged from Previous, its
	// cached digest is reused instead of re-hashing (spec.md §4.3 step 4).
	Previous *Manifest
	// HashWorkers bounds the concurrency of the content-hashing pool.
	// Zero selects max(2, runtime.NumCPU()).
	HashWorkers int
}

func (o Options) workers() int {
	if o.HashWorkers > 0 {
		return o.HashWorkers
	}
	if n := runtime.NumCPU(); n > 2 {
		return n
	}
	return 2
}

// candidate is one regular file discovered by the walk, pending hashing.
type candidate struct {
	relPath string
	absPath string
	size    int64
	modTime int64
}

// Build walks root depth-first, applying gitignore exclusion and hidden-entry
// skipping, and returns the resulting Manifest (spec.md §3, §4.3).
func Build(root string, opts Options) (*Manifest, error) {
	var ignores *ignoreSet
	if !opts.DisableGitignore {
		var err error
		ignores, err = buildIgnoreSet(root)
		if err != nil {
			return nil, err
		}
	}

	m := newManifest()
	var candidates []candidate

	err := walkDir(root, root, ignores, func(relPath, absPath string, info os.FileInfo) error {
		rel := filepath.ToSlash(relPath)
		candidates = append(candidates, candidate{
			relPath: rel,
			absPath: absPath,
			size:    info.Size(),
			modTime: info.ModTime().UnixMilli(),
		})
		return nil
	}, func(relPath string) {
		m.EmptyDirs[filepath.ToSlash(relPath)] = struct{}{}
	})
	if err != nil {
		return nil, err
	}

	records, err := hashCandidates(candidates, opts)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		m.Files[r.Path] = r
	}
	return m, nil
}

// walkDir recurses root's tree. onFile is invoked for every non-ignored,
// non-hidden regular file; onEmptyDir is invoked for directories (after
// filtering) that contain nothing.
func walkDir(root, dir string, ignores *ignoreSet, onFile func(relPath, absPath string, info os.FileInfo) error, onEmptyDir func(relPath string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "manifest: read dir %s", dir)
	}

	relDir, err := filepath.Rel(root, dir)
	if err != nil {
		return err
	}
	if relDir == "." {
		relDir = ""
	}

	childCount := 0
	for _, entry := range entries {
		name := entry.Name()
		absPath := filepath.Join(dir, name)
		relPath := name
		if relDir != "" {
			relPath = filepath.Join(relDir, name)
		}
		relSlash := filepath.ToSlash(relPath)

		if ignores != nil && name == ".gitignore" {
			continue
		}
		hidden, herr := isHidden(absPath, name)
		if herr != nil {
			return errors.Wrapf(herr, "manifest: stat %s", absPath)
		}
		if hidden {
			continue
		}
		if ignores.Ignored(relSlash, entry.IsDir()) {
			continue
		}

		if entry.IsDir() {
			if err := walkDir(root, absPath, ignores, onFile, onEmptyDir); err != nil {
				return err
			}
			childCount++
			continue
		}

		info, ierr := entry.Info()
		if ierr != nil {
			return errors.Wrapf(ierr, "manifest: stat %s", absPath)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := onFile(relPath, absPath, info); err != nil {
			return err
		}
		childCount++
	}

	if childCount == 0 && relDir != "" {
		onEmptyDir(relDir)
	}
	return nil
}

// hashCandidates resolves each candidate to a FileRecord, reusing a cached
// digest from opts.Previous when size and modification time match, and
// otherwise dispatching to a bounded worker pool that computes a fresh MD5
// digest (skipped entirely in quick mode).
func hashCandidates(candidates []candidate, opts Options) ([]FileRecord, error) {
	records := make([]FileRecord, len(candidates))
	pending := make([]int, 0, len(candidates))

	for i, c := range candidates {
		records[i] = FileRecord{Path: c.relPath, Size: c.size, ModifiedTime: c.modTime}
		if prev, ok := reusableDigest(opts.Previous, c); ok {
			records[i].Digest = prev
			continue
		}
		if opts.Quick {
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return records, nil
	}

	workers := opts.workers()
	if workers > len(pending) {
		workers = len(pending)
	}
	jobs := make(chan int)
	errs := make(chan error, len(pending))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				digest, err := hashFile(candidates[idx].absPath)
				if err != nil {
					errs <- err
					continue
				}
				records[idx].Digest = digest
			}
		}()
	}
	for _, idx := range pending {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

func reusableDigest(prev *Manifest, c candidate) (string, bool) {
	if prev == nil {
		return "", false
	}
	old, ok := prev.Files[c.relPath]
	if !ok || !old.hasDigest() {
		return "", false
	}
	if old.Size != c.size || old.ModifiedTime != c.modTime {
		return "", false
	}
	return old.Digest, true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "manifest: open %s", path)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "manifest: hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
