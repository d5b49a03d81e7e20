// Package disposition moves a file to the recycle bin (or permanently
// deletes it when force-delete mode is configured), implementing the
// client-driven Keep/Delete action. Ported from SimpicClient::deal_with_file.
package disposition

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/emilarner/simpicd/internal/simerr"
	"github.com/emilarner/simpicd/internal/token"
)

// Disposer moves or deletes files on behalf of a session's ClientAction.
type Disposer struct {
	recycleBin  string
	forceDelete bool
	log         *zap.Logger
}

// New creates a Disposer that moves files into recycleBin, or permanently
// deletes them if forceDelete is set (spec's --force-delete surface).
func New(recycleBin string, forceDelete bool, log *zap.Logger) *Disposer {
	return &Disposer{recycleBin: recycleBin, forceDelete: forceDelete, log: log}
}

// Dispose removes the file at dir/filename from its current location,
// either by renaming it into the recycle bin under a random prefix or, in
// force-delete mode, by unlinking it outright. A rename/unlink failure is
// logged and returned as simerr.ErrDisposition; it never aborts the calling
// session, matching the original's catch-log-continue behavior.
func (d *Disposer) Dispose(dir, filename string) error {
	absolutePath := filepath.Join(dir, filename)

	if d.forceDelete {
		if err := os.Remove(absolutePath); err != nil {
			d.logFailure(absolutePath, err)
			return fmt.Errorf("%w: %v", simerr.ErrDisposition, err)
		}
		if d.log != nil {
			d.log.Info("deleted", zap.String("path", absolutePath))
		}
		return nil
	}

	newPath := filepath.Join(d.recycleBin, token.Generate()+"_"+filename)
	if err := os.Rename(absolutePath, newPath); err != nil {
		d.logFailure(absolutePath, err)
		return fmt.Errorf("%w: %v", simerr.ErrDisposition, err)
	}

	if d.log != nil {
		d.log.Info("moved to recycle bin", zap.String("from", absolutePath), zap.String("to", newPath))
	}
	return nil
}

func (d *Disposer) logFailure(path string, err error) {
	if d.log != nil {
		d.log.Warn("failed to dispose of file", zap.String("path", path), zap.Error(err))
	}
}
