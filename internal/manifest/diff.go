package manifest

import "sort"

// Diff computes the ChangeSet that brings remote in line with local: files
// present in local but missing or different on remote are queued to send,
// and empty directories present locally but not remotely are queued to
// create. Deletions — files present only remotely, and empty directories
// present only remotely — are populated only when strict is true; strict
// mode is the sender's authoritative "also delete what's not mine" mode
// (spec.md §3 ChangeSet, glossary "Strict mode"). EmptyDirsToDelete is
// ordered deepest-first by path length so a child directory's RMDIR is
// always sent before its parent's (spec.md §3 "sorted deepest-first by
// path length").
func Diff(local, remote *Manifest, quick, strict bool) ChangeSet {
	var cs ChangeSet

	for path, lrec := range local.Files {
		rrec, ok := remote.Files[path]
		if !ok || !recordsEqual(lrec, rrec, quick) {
			cs.ToSend = append(cs.ToSend, lrec)
		}
	}
	for dir := range local.EmptyDirs {
		if _, ok := remote.EmptyDirs[dir]; !ok {
			cs.EmptyDirsToCreate = append(cs.EmptyDirsToCreate, dir)
		}
	}

	if strict {
		for path := range remote.Files {
			if _, ok := local.Files[path]; !ok {
				cs.ToDelete = append(cs.ToDelete, path)
			}
		}
		for dir := range remote.EmptyDirs {
			if _, ok := local.EmptyDirs[dir]; !ok {
				cs.EmptyDirsToDelete = append(cs.EmptyDirsToDelete, dir)
			}
		}
	}

	sort.Slice(cs.ToSend, func(i, j int) bool { return cs.ToSend[i].Path < cs.ToSend[j].Path })
	sort.Strings(cs.ToDelete)
	sort.Strings(cs.EmptyDirsToCreate)
	sort.Slice(cs.EmptyDirsToDelete, func(i, j int) bool {
		if len(cs.EmptyDirsToDelete[i]) != len(cs.EmptyDirsToDelete[j]) {
			return len(cs.EmptyDirsToDelete[i]) > len(cs.EmptyDirsToDelete[j])
		}
		return cs.EmptyDirsToDelete[i] < cs.EmptyDirsToDelete[j]
	})
	return cs
}

// recordsEqual implements the quick-mode-vs-content-hash equality rule: in
// quick mode, or when either side lacks a digest, size and modification
// time decide equality; otherwise the MD5 digest is authoritative.
func recordsEqual(a, b FileRecord, quick bool) bool {
	if !quick && a.hasDigest() && b.hasDigest() {
		return a.Digest == b.Digest
	}
	return a.Size == b.Size && a.ModifiedTime == b.ModifiedTime
}
