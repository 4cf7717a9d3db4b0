package compaction

// FileTracker defines the interface for tracking file states during compaction
type FileTracker interface {
	// MarkFileObsolete marks a file as consumed; it is removed by CleanupObsoleteFiles
	MarkFileObsolete(path string)

	// MarkFilePending marks a file as being read by a compaction pass
	MarkFilePending(path string)

	// UnmarkFilePending removes the pending mark from a file
	UnmarkFilePending(path string)

	// IsFileObsolete checks if a file is marked as obsolete
	IsFileObsolete(path string) bool

	// IsFilePending checks if a file is marked as pending compaction
	IsFilePending(path string) bool

	// CleanupObsoleteFiles removes obsolete files that are not pending and
	// returns the paths it removed
	CleanupObsoleteFiles() ([]string, error)
}

// BlockWriter turns a deduplicated, sorted table into block files
type BlockWriter interface {
	// WriteBlocks writes one block per chunk, numbering them from firstSeq
	WriteBlocks(dir string, chunks []Chunk, firstSeq int) ([]string, error)

	// DeleteBlocks removes blocks written by a failed pass
	DeleteBlocks(paths []string) error
}
