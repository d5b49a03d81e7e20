// Package simerr defines the error kinds used across the daemon's session
// and startup paths. Kinds are sentinel errors usable with
// errors.Is; per-file errors are swallowed by callers, per-session errors
// end only that session, and startup errors are fatal to the process.
package simerr

import "errors"

var (
	// ErrNetwork covers any recv/send failure; ends the session but never
	// the daemon.
	ErrNetwork = errors.New("network error")

	// ErrCacheCorrupt means the on-disk cache's magic didn't match; fatal
	// to startup.
	ErrCacheCorrupt = errors.New("cache file corrupt")

	// ErrMultipleInstance means the single-instance guard tripped; fatal
	// to startup.
	ErrMultipleInstance = errors.New("another simpicd instance is already running")

	// ErrDirectoryOpen means the requested directory could not be opened;
	// reported over the wire as Failure with an errno.
	ErrDirectoryOpen = errors.New("could not open directory")

	// ErrDirectoryConflict means the requested directory is already being
	// scanned by another session; reported as DirectoryAlreadyActive.
	ErrDirectoryConflict = errors.New("directory already active")

	// ErrBadImage means the image probe failed; the file is silently
	// skipped by the scanner.
	ErrBadImage = errors.New("bad image")

	// ErrDisposition means a recycle-bin rename failed; logged and
	// skipped, never aborts the session.
	ErrDisposition = errors.New("disposition failed")
)
