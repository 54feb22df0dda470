package repair

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/afero"
	"xorkevin.dev/kerrors"
)

type (
	// DiskFile is a physical file which may hold blocks of the recovery set
	//
	// The handle is opened lazily on first access.
	DiskFile struct {
		fsys     afero.Fs
		mu       sync.Mutex
		path     string
		size     int64
		f        afero.File
		writable bool
	}
)

func newDiskFile(fsys afero.Fs, path string, size int64) *DiskFile {
	return &DiskFile{
		fsys: fsys,
		path: path,
		size: size,
	}
}

// statDiskFile returns a disk file for path, or nil if it does not exist
func statDiskFile(fsys afero.Fs, path string) (*DiskFile, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, kerrors.WithKind(err, ErrIO, "Failed to stat file")
	}
	if info.IsDir() {
		return nil, nil
	}
	return newDiskFile(fsys, path, info.Size()), nil
}

func (d *DiskFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

func (d *DiskFile) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// OpenReader opens a new independent read handle to the file
func (d *DiskFile) OpenReader() (afero.File, error) {
	f, err := d.fsys.Open(d.Path())
	if err != nil {
		return nil, kerrors.WithKind(err, ErrIO, "Failed to open file")
	}
	return f, nil
}

func (d *DiskFile) openLocked(writable bool) error {
	if d.f != nil {
		if !writable || d.writable {
			return nil
		}
		if err := d.closeLocked(); err != nil {
			return err
		}
	}
	var f afero.File
	var err error
	if writable {
		f, err = d.fsys.OpenFile(d.path, os.O_RDWR, 0)
	} else {
		f, err = d.fsys.Open(d.path)
	}
	if err != nil {
		return kerrors.WithKind(err, ErrIO, "Failed to open file")
	}
	d.f = f
	d.writable = writable
	return nil
}

func (d *DiskFile) closeLocked() error {
	if d.f == nil {
		return nil
	}
	f := d.f
	d.f = nil
	d.writable = false
	if err := f.Close(); err != nil {
		return kerrors.WithKind(err, ErrIO, "Failed to close file")
	}
	return nil
}

func (d *DiskFile) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openLocked(false)
}

func (d *DiskFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *DiskFile) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.openLocked(false); err != nil {
		return 0, err
	}
	n, err := d.f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, kerrors.WithKind(err, ErrIO, "Failed reading file")
	}
	return n, err
}

func (d *DiskFile) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.openLocked(true); err != nil {
		return 0, err
	}
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, kerrors.WithKind(err, ErrIO, "Failed writing file")
	}
	return n, nil
}

// Create creates the file at its path with size zero filled bytes and leaves
// it closed
func (d *DiskFile) Create(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.closeLocked(); err != nil {
		return err
	}
	if dir := filepath.Dir(d.path); dir != "" {
		if err := d.fsys.MkdirAll(dir, 0o777); err != nil {
			return kerrors.WithKind(err, ErrIO, "Failed to create parent dir")
		}
	}
	f, err := d.fsys.OpenFile(d.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return kerrors.WithKind(err, ErrIO, "Failed to create file")
	}
	if err := f.Truncate(size); err != nil {
		return errors.Join(
			kerrors.WithKind(err, ErrIO, "Failed to resize file"),
			f.Close(),
		)
	}
	if err := f.Close(); err != nil {
		return kerrors.WithKind(err, ErrIO, "Failed to close file")
	}
	d.size = size
	return nil
}

// Rename closes the file and moves it to path
func (d *DiskFile) Rename(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.closeLocked(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := d.fsys.MkdirAll(dir, 0o777); err != nil {
			return kerrors.WithKind(err, ErrIO, "Failed to create parent dir")
		}
	}
	if err := d.fsys.Rename(d.path, path); err != nil {
		return kerrors.WithKind(err, ErrIO, "Failed to rename file")
	}
	d.path = path
	return nil
}

// Delete closes and removes the file
func (d *DiskFile) Delete() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.closeLocked(); err != nil {
		return err
	}
	if err := d.fsys.Remove(d.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return kerrors.WithKind(err, ErrIO, "Failed to remove file")
	}
	return nil
}

type (
	// diskFileRegistry tracks every disk file examined during verification by
	// canonical path
	diskFileRegistry struct {
		mu    sync.Mutex
		files map[string]*DiskFile
	}
)

func newDiskFileRegistry() *diskFileRegistry {
	return &diskFileRegistry{
		files: map[string]*DiskFile{},
	}
}

// Insert registers d unless a file is already registered at its path
func (r *diskFileRegistry) Insert(d *DiskFile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := d.Path()
	if _, ok := r.files[p]; ok {
		return false
	}
	r.files[p] = d
	return true
}

func (r *diskFileRegistry) Find(path string) *DiskFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[path]
}

func (r *diskFileRegistry) Remove(d *DiskFile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := d.Path()
	if r.files[p] == d {
		delete(r.files, p)
	}
}

// Rename moves d to path and updates its registration
func (r *diskFileRegistry) Rename(d *DiskFile, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := d.Path()
	if err := d.Rename(path); err != nil {
		return err
	}
	if r.files[old] == d {
		delete(r.files, old)
	}
	r.files[path] = d
	return nil
}

// CloseAll closes every open handle
func (r *diskFileRegistry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, i := range r.files {
		if err := i.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// backupName returns the first unused name of the form path.n
func backupName(fsys afero.Fs, path string) (string, error) {
	for i := 1; ; i++ {
		name := path + "." + strconv.Itoa(i)
		ok, err := afero.Exists(fsys, name)
		if err != nil {
			return "", kerrors.WithKind(err, ErrIO, "Failed to stat file")
		}
		if !ok {
			return name, nil
		}
	}
}
