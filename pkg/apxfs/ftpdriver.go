package apxfs

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/goftp/server"
)

// Driver exposes a FileMap read-only through a goftp/server Driver, the
// same interface shape as the teacher's src/protonuke/ftpdriver.go
// FileDriver. Unlike that driver, Driver never touches disk: Stat/ListDir
// synthesize server.FileInfo from the in-memory FileMap, and GetFile
// returns a reader over a caller-supplied byte snapshot rather than an
// os.File. There is no MakeDir/DeleteFile/PutFile support -- this is a
// diagnostic, read-only facade (spec.md §4.C ambient addition).
type Driver struct {
	server.Perm

	// Map is read under a caller-provided lock; Driver itself does not
	// lock, since the FileMap it wraps is already guarded by the owning
	// Manager's mutex (see Factory).
	Map func() *FileMap

	// Read returns the current bytes backing the named file, or an error
	// if unavailable. The FTP facade is diagnostic-only: callers typically
	// wire this to a node instance's buffer snapshot.
	Read func(name string) ([]byte, error)
}

func (d *Driver) Init(conn *server.Conn) {}

func (d *Driver) ChangeDir(path string) error {
	if path == "/" || path == "" {
		return nil
	}
	return fmt.Errorf("apxfs: no such directory %q", path)
}

func (d *Driver) realName(path string) string {
	return strings.TrimPrefix(path, "/")
}

type fileInfo struct {
	name  string
	size  int64
	isDir bool
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) ModTime() time.Time { return time.Time{} }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) Sys() interface{}   { return nil }

func (fi *fileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | 0555
	}
	return 0444
}

func (fi *fileInfo) Owner() string { return "apxd" }
func (fi *fileInfo) Group() string { return "apxd" }

func (d *Driver) Stat(path string) (server.FileInfo, error) {
	if path == "/" || path == "" {
		return &fileInfo{name: "/", isDir: true}, nil
	}

	name := d.realName(path)
	f := d.Map().FindByName(name)
	if f == nil {
		return nil, fmt.Errorf("apxfs: no such file %q", name)
	}
	return &fileInfo{name: f.Name, size: int64(f.Size)}, nil
}

func (d *Driver) ListDir(path string, callback func(server.FileInfo) error) error {
	for _, f := range d.Map().List() {
		if err := callback(&fileInfo{name: f.Name, size: int64(f.Size)}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) DeleteDir(path string) error  { return fmt.Errorf("apxfs: read-only") }
func (d *Driver) DeleteFile(path string) error { return fmt.Errorf("apxfs: read-only") }
func (d *Driver) Rename(from, to string) error { return fmt.Errorf("apxfs: read-only") }
func (d *Driver) MakeDir(path string) error    { return fmt.Errorf("apxfs: read-only") }

func (d *Driver) GetFile(path string, offset int64) (int64, io.ReadCloser, error) {
	name := d.realName(path)
	f := d.Map().FindByName(name)
	if f == nil {
		return 0, nil, fmt.Errorf("apxfs: no such file %q", name)
	}

	data, err := d.Read(name)
	if err != nil {
		return 0, nil, err
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}

	return int64(len(data)), ioutil.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (d *Driver) PutFile(destPath string, data io.Reader, appendData bool) (int64, error) {
	return 0, fmt.Errorf("apxfs: read-only")
}

// Factory builds Driver instances for goftp/server, one per accepted FTP
// control connection.
type Factory struct {
	Map  func() *FileMap
	Read func(name string) ([]byte, error)
	server.Perm
}

func (f *Factory) NewDriver() (server.Driver, error) {
	return &Driver{Perm: f.Perm, Map: f.Map, Read: f.Read}, nil
}
