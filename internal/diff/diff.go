// Package diff computes the set of bundles a client must fetch to move from
// its local manifest to the one published by the server.
//
// The computation is additive: files that exist only locally are reported in
// Result.Stale but never scheduled for removal.
package diff

import (
	"sort"

	"github.com/schaermu/bundlesync/internal/manifest"
)

// Result is the outcome of comparing a local manifest against a server manifest
type Result struct {
	// Update carries the server versions and only the new or changed records
	Update  *manifest.Manifest
	New     []string
	Changed []string
	Stale   []string
}

// Summary aggregates a Result for logging and progress sizing
type Summary struct {
	Files        int
	NewFiles     int
	ChangedFiles int
	TotalSize    int64
}

// Diff selects every server record that is absent locally or whose hash differs.
// A nil local manifest is treated as empty. Neither input is modified.
func Diff(local, server *manifest.Manifest) *Result {
	res := &Result{
		Update:  manifest.New(server.ProductName, server.AppVersion, server.ResourceVersion),
		New:     make([]string, 0),
		Changed: make([]string, 0),
		Stale:   make([]string, 0),
	}

	for name, rec := range server.Files {
		var (
			prev   manifest.FileRecord
			exists bool
		)
		if local != nil {
			prev, exists = local.GetFile(name)
		}

		if !exists {
			res.New = append(res.New, name)
			res.Update.PutFile(name, rec)
		} else if prev.MD5 != rec.MD5 {
			res.Changed = append(res.Changed, name)
			res.Update.PutFile(name, rec)
		}
		// else: unchanged, nothing to fetch
	}

	if local != nil {
		for name := range local.Files {
			if !server.HasFile(name) {
				res.Stale = append(res.Stale, name)
			}
		}
	}

	sort.Strings(res.New)
	sort.Strings(res.Changed)
	sort.Strings(res.Stale)

	return res
}

// Empty reports whether nothing needs to be fetched
func (r *Result) Empty() bool {
	return r.Update.FileCount() == 0
}

// Summary returns counts and the total byte size of the update set
func (r *Result) Summary() Summary {
	return Summary{
		Files:        r.Update.FileCount(),
		NewFiles:     len(r.New),
		ChangedFiles: len(r.Changed),
		TotalSize:    r.Update.TotalSize(),
	}
}
