package container

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nexoedge/agent/internal/chunk"
)

// gcInterval is how often the background cleaner scans for expired backup
// files.
const gcInterval = 60 * time.Second

// backupExpiry is how long a backup file survives before the cleaner
// deletes it: ten cleaner ticks.
const backupExpiry = 10 * gcInterval

// FSDriver stores chunks as plain files in a single flat directory, one
// file per chunk, with overwrite-via-rename-to-timestamped-backup
// versioning.
type FSDriver struct {
	Base

	dir               string
	verifyChecksum    bool
	flushOnClose      bool
	copyBlockSize     int64

	stopGC chan struct{}
	gcDone chan struct{}
}

// NewFSDriver creates (if absent) dir and starts the background backup
// cleaner goroutine.
func NewFSDriver(id int32, dir string, capacity uint64, verifyChecksum, flushOnClose bool, copyBlockSize int64) (*FSDriver, error) {
	if copyBlockSize <= 0 {
		copyBlockSize = 4 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "container: creating directory %s", dir)
	}
	d := &FSDriver{
		Base:           NewBase(id, capacity),
		dir:            dir,
		verifyChecksum: verifyChecksum,
		flushOnClose:   flushOnClose,
		copyBlockSize:  copyBlockSize,
		stopGC:         make(chan struct{}),
		gcDone:         make(chan struct{}),
	}
	if err := d.UpdateUsage(context.Background()); err != nil {
		glog.Warningf("container %d: failed initial usage update: %v", id, err)
	}
	go d.cleanUpOldChunks()
	return d, nil
}

// Close stops the background cleaner and waits for it to exit.
func (d *FSDriver) Close() {
	close(d.stopGC)
	<-d.gcDone
}

func (d *FSDriver) chunkPath(name string) string {
	return filepath.Join(d.dir, name)
}

func isBackupName(name string) bool {
	return strings.Contains(filepath.Base(name), ".")
}

func backupPath(path, version string) string {
	return path + "." + version
}

func (d *FSDriver) Put(ctx context.Context, c *chunk.Chunk) error {
	path := d.chunkPath(c.Name())

	if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
		version := strconv.FormatInt(time.Now().Unix(), 10)
		old := backupPath(path, version)
		if err := os.Rename(path, old); err != nil {
			return errors.Wrapf(err, "container: backing up chunk %s before write", c.Name())
		}
		c.ChunkVersion = chunk.TruncatedChunkVersion(version)
	} else {
		c.ChunkVersion = ""
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "container: opening %s for write", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return errors.Wrapf(err, "container: locking %s", path)
	}

	_, writeErr := f.Write(c.Buf.Data)
	if writeErr == nil && d.flushOnClose {
		writeErr = f.Sync()
	}

	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()

	if writeErr != nil {
		return errors.Wrapf(writeErr, "container: writing chunk %s", c.Name())
	}

	readBack := &chunk.Chunk{}
	readBack.CopyMeta(c, false)
	if err := d.getInternal(readBack, false); err != nil && d.verifyChecksum {
		return errors.Wrapf(err, "container: verifying chunk %s after write", c.Name())
	}
	readBack.ComputeMD5()
	c.MD5 = readBack.MD5

	glog.Infof("container %d: put chunk %s to %s, %d bytes", d.ID(), c.Name(), path, c.Size())
	return nil
}

func (d *FSDriver) Get(ctx context.Context, c *chunk.Chunk, skipVerification bool) error {
	if err := d.getInternal(c, skipVerification); err != nil {
		return err
	}
	glog.Infof("container %d: get chunk %s from %s", d.ID(), c.Name(), d.chunkPath(c.Name()))
	return nil
}

func (d *FSDriver) getInternal(c *chunk.Chunk, skipVerification bool) error {
	path := d.chunkPath(c.Name())
	data, err := d.readFileLocked(path)
	if err != nil {
		return err
	}
	c.Buf = chunk.Buffer{Data: data, Owned: true}

	if skipVerification || !d.verifyChecksum {
		return nil
	}
	if !c.VerifyMD5() {
		return ErrIntegrity
	}
	return nil
}

func (d *FSDriver) readFileLocked(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "container: opening %s", path)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, errors.Wrapf(err, "container: locking %s", path)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "container: stat %s", path)
	}

	data := make([]byte, fi.Size())
	if _, err := io.ReadFull(f, data); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrapf(err, "container: reading %s", path)
	}
	return data, nil
}

func (d *FSDriver) Delete(ctx context.Context, c *chunk.Chunk) error {
	path := d.chunkPath(c.Name())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "container: deleting %s", path)
	}
	glog.Infof("container %d: delete chunk %s at %s", d.ID(), c.Name(), path)
	return nil
}

func (d *FSDriver) Copy(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error {
	sp, dp := d.chunkPath(src.Name()), d.chunkPath(dst.Name())

	sf, err := os.Open(sp)
	if err != nil {
		return errors.Wrapf(err, "container: opening source %s", sp)
	}
	defer sf.Close()

	df, err := os.OpenFile(dp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "container: opening destination %s", dp)
	}

	unix.Flock(int(sf.Fd()), unix.LOCK_SH)
	unix.Flock(int(df.Fd()), unix.LOCK_EX)

	buf := make([]byte, d.copyBlockSize)
	var size int64
	var copyErr error
	for {
		n, rerr := sf.Read(buf)
		if n > 0 {
			if _, werr := df.Write(buf[:n]); werr != nil {
				copyErr = errors.Wrap(werr, "container: copy write (not enough storage space?)")
				break
			}
			size += int64(n)
		}
		if rerr != nil {
			if rerr != io.EOF {
				copyErr = rerr
			}
			break
		}
	}

	unix.Flock(int(sf.Fd()), unix.LOCK_UN)
	unix.Flock(int(df.Fd()), unix.LOCK_UN)
	df.Close()

	if copyErr != nil {
		os.Remove(dp)
		return copyErr
	}

	readBack := &chunk.Chunk{}
	readBack.CopyMeta(dst, false)
	readBack.MD5 = src.MD5
	verifyErr := d.getInternal(readBack, false)
	if verifyErr != nil && d.verifyChecksum {
		os.Remove(dp)
		return errors.Wrap(verifyErr, "container: verifying copied chunk")
	}

	readBack.ComputeMD5()
	dst.Buf.Data = make([]byte, size)
	dst.MD5 = readBack.MD5
	glog.Infof("container %d: copy chunk %s to %s", d.ID(), src.Name(), dst.Name())
	return nil
}

func (d *FSDriver) Move(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error {
	sp, dp := d.chunkPath(src.Name()), d.chunkPath(dst.Name())

	fi, err := os.Stat(sp)
	if err != nil {
		return errors.Wrapf(err, "container: stat %s", sp)
	}
	if err := os.Rename(sp, dp); err != nil {
		return errors.Wrapf(err, "container: moving %s to %s", sp, dp)
	}

	readBack := &chunk.Chunk{}
	readBack.CopyMeta(dst, false)
	readBack.MD5 = src.MD5
	verifyErr := d.getInternal(readBack, false)
	if verifyErr != nil && d.verifyChecksum {
		os.Rename(dp, sp)
		return errors.Wrap(verifyErr, "container: verifying moved chunk")
	}

	readBack.ComputeMD5()
	dst.Buf.Data = make([]byte, fi.Size())
	dst.MD5 = readBack.MD5
	glog.Infof("container %d: move chunk %s to %s", d.ID(), src.Name(), dst.Name())
	return nil
}

// Has reports presence and, when checksum verification is enabled, reads
// the whole chunk back to validate it: the only way the fs driver can
// match the integrity guarantee cloud drivers get for free from a returned
// backend digest. Deliberate, not an oversight.
func (d *FSDriver) Has(ctx context.Context, c *chunk.Chunk) (bool, error) {
	path := d.chunkPath(c.Name())
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "container: stat %s", path)
	}
	if int64(c.Size()) != fi.Size() {
		return false, nil
	}
	if !d.verifyChecksum {
		return true, nil
	}
	readBack := &chunk.Chunk{}
	readBack.CopyMeta(c, false)
	if err := d.Get(ctx, readBack, false); err != nil {
		return false, nil
	}
	return true, nil
}

func (d *FSDriver) Revert(ctx context.Context, c *chunk.Chunk) error {
	path := d.chunkPath(c.Name())
	old := backupPath(path, c.ChunkVersion)
	tmp := backupPath(path, "0")

	if err := os.Rename(path, tmp); err != nil {
		return errors.Wrapf(err, "container: staging current chunk %s before revert", c.Name())
	}
	if err := os.Rename(old, path); err != nil {
		os.Rename(tmp, path)
		return errors.Wrapf(err, "container: reverting chunk %s to version %s", c.Name(), c.ChunkVersion)
	}
	os.Remove(tmp)
	glog.Infof("container %d: revert chunk %s to version %s", d.ID(), c.Name(), c.ChunkVersion)
	return nil
}

func (d *FSDriver) Verify(ctx context.Context, c *chunk.Chunk) (bool, error) {
	readBack := &chunk.Chunk{}
	readBack.CopyMeta(c, false)
	if err := d.getInternal(readBack, true); err != nil {
		return false, nil
	}
	matched := readBack.VerifyMD5()
	if !matched {
		glog.Warningf("container %d: verify chunk %s failed", d.ID(), c.Name())
	}
	return matched, nil
}

func (d *FSDriver) UpdateUsage(ctx context.Context) error {
	d.UpdateMu.Lock()
	defer d.UpdateMu.Unlock()

	var total uint64
	err := godirwalk.Walk(d.dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || isBackupName(path) {
				return nil
			}
			fi, statErr := os.Stat(path)
			if statErr != nil {
				return nil
			}
			total += uint64(fi.Size())
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return errors.Wrapf(err, "container: scanning %s for usage", d.dir)
	}
	d.SetUsage(total)
	return nil
}

func (d *FSDriver) cleanUpOldChunks() {
	defer close(d.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			d.sweepBackups()
		}
	}
}

func (d *FSDriver) sweepBackups() {
	now := time.Now()
	err := godirwalk.Walk(d.dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || !isBackupName(path) {
				return nil
			}
			fi, statErr := os.Stat(path)
			if statErr != nil {
				return nil
			}
			if now.Sub(fi.ModTime()) <= backupExpiry {
				return nil
			}
			if err := os.Remove(path); err == nil {
				glog.Infof("container %d: cleaned backup %s, %d bytes", d.ID(), path, fi.Size())
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		glog.Warningf("container %d: backup sweep of %s failed: %v", d.ID(), d.dir, err)
	}
}

var _ Driver = (*FSDriver)(nil)
