package pager

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

// Backup is a point-in-time, page-for-page copy of a volume file plus the
// LSN it was taken at, per spec §4.4 ("take_backup/read_backup") and
// §4.7's reliance on a backup as the restore coordinator's starting
// image. Backup runs are named with a UUID the way the teacher names
// import/export run files (internal/storage/uuid_helpers.go), so
// concurrent backups never collide on disk.
type Backup struct {
	ID      string
	Path    string
	AtLSN   LSN
	PageCnt int64
}

// TakeBackup copies the volume's current page image to dir/<uuid>.bak and
// records the durable LSN it was taken at, per spec §4.4's "take_backup"
// and the restore coordinator's segment-zero bootstrap (§4.7).
func TakeBackup(v *Volume, dir string, atLSN LSN) (*Backup, error) {
	if err := v.takeFailure(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	path := fmt.Sprintf("%s/%s.bak", dir, id)

	v.mu.RLock()
	defer v.mu.RUnlock()

	src, err := os.Open(v.f.Name())
	if err != nil {
		return nil, fmt.Errorf("open volume for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create backup file: %w", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return nil, fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return nil, err
	}

	return &Backup{
		ID:      id,
		Path:    path,
		AtLSN:   atLSN,
		PageCnt: n / int64(v.pageSize),
	}, nil
}

// ReadBackupPage reads a single page out of a backup file without
// opening it as a live Volume — the restore coordinator uses this to
// seed segments before the log archive has replayed anything on top.
func ReadBackupPage(b *Backup, pid PageID, pageSize int) ([]byte, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return nil, fmt.Errorf("open backup %s: %w", b.ID, err)
	}
	defer f.Close()
	buf := make([]byte, pageSize)
	if _, err := f.ReadAt(buf, int64(pid)*int64(pageSize)); err != nil {
		return nil, fmt.Errorf("read backup page %s: %w", pid, err)
	}
	return buf, nil
}
