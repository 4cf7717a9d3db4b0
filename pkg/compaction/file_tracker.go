package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/KevoDB/pparts/pkg/blockfile"
)

// DefaultFileTracker is the default implementation of FileTracker
type DefaultFileTracker struct {
	// Files consumed by a finished pass, waiting for deletion
	obsoleteFiles map[string]bool

	// Files a pass is still reading
	pendingFiles map[string]bool

	filesMu sync.RWMutex
}

// NewFileTracker creates a new file tracker
func NewFileTracker() *DefaultFileTracker {
	return &DefaultFileTracker{
		obsoleteFiles: make(map[string]bool),
		pendingFiles:  make(map[string]bool),
	}
}

// MarkFileObsolete marks a file as obsolete (can be deleted)
func (f *DefaultFileTracker) MarkFileObsolete(path string) {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()

	f.obsoleteFiles[path] = true
}

// MarkFilePending marks a file as being used in a compaction
func (f *DefaultFileTracker) MarkFilePending(path string) {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()

	f.pendingFiles[path] = true
}

// UnmarkFilePending removes the pending mark from a file
func (f *DefaultFileTracker) UnmarkFilePending(path string) {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()

	delete(f.pendingFiles, path)
}

// IsFileObsolete checks if a file is marked as obsolete
func (f *DefaultFileTracker) IsFileObsolete(path string) bool {
	f.filesMu.RLock()
	defer f.filesMu.RUnlock()

	return f.obsoleteFiles[path]
}

// IsFilePending checks if a file is marked as pending compaction
func (f *DefaultFileTracker) IsFilePending(path string) bool {
	f.filesMu.RLock()
	defer f.filesMu.RUnlock()

	return f.pendingFiles[path]
}

// CleanupObsoleteFiles removes obsolete files that are not pending. It keeps
// going past individual failures, syncs every touched directory, and leaves
// failed paths tracked for the next call.
func (f *DefaultFileTracker) CleanupObsoleteFiles() ([]string, error) {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()

	paths := make([]string, 0, len(f.obsoleteFiles))
	for path := range f.obsoleteFiles {
		if !f.pendingFiles[path] {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	var result *multierror.Error
	var removed []string
	dirs := make(map[string]bool)
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("failed to delete obsolete file %s: %w", path, err))
			continue
		}
		delete(f.obsoleteFiles, path)
		removed = append(removed, path)
		dirs[filepath.Dir(path)] = true
	}

	for dir := range dirs {
		if err := blockfile.SyncDir(dir); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return removed, result.ErrorOrNil()
}
