package apxfs

import (
	"fmt"
	"sort"
)

var (
	// ErrFull is returned by CreateFile when the address region has no
	// remaining gap large enough for the new file.
	ErrFull = fmt.Errorf("apxfs: address region exhausted")

	// ErrOverlap is returned when a caller-supplied address collides with
	// an existing file, or falls outside the region its kind requires.
	ErrOverlap = fmt.Errorf("apxfs: requested address overlaps an existing file or is out of range")
)

// FileMap is an ordered sequence of Files, grounded on iomeshage's
// transfer bookkeeping (internal/iomeshage/iomeshage.go's transfers map)
// adapted from a name-keyed transfer table to an address-ordered file
// table with a first-fit allocator.
type FileMap struct {
	files []*File

	// byName indexes files for O(1) exact-name lookup.
	byName map[string]*File

	// lastHit caches the most recent FindByAddress result, per spec.md
	// §4.C's "cache the last hit for locality" requirement.
	lastHit *File
}

// NewFileMap returns an empty file map.
func NewFileMap() *FileMap {
	return &FileMap{byName: map[string]*File{}}
}

// CreateFile inserts a new file into the map. If info.Address is
// InvalidAddress, an address is auto-assigned by first-fit within the
// region appropriate to the file's kind; otherwise the requested address
// is validated against that region and against overlap with existing
// files (spec.md §4.C).
func (m *FileMap) CreateFile(info File) (*File, error) {
	if len(info.Name) > 0 {
		base := BaseName(info.Name)
		if len(base) > MaxBaseNameLen {
			return nil, fmt.Errorf("apxfs: base name %q exceeds %d characters", base, MaxBaseNameLen)
		}
	}

	kind := KindOf(info.Name)
	start, end, align, err := regionFor(kind)
	if err != nil {
		return nil, err
	}

	f := info
	if f.Address == InvalidAddress {
		addr, ok := m.firstFit(start, end, align, f.Size)
		if !ok {
			return nil, ErrFull
		}
		f.Address = addr
	} else {
		base := f.Address &^ RemoteMirrorBit
		if base < start || base+f.Size-1 > end {
			return nil, ErrOverlap
		}
		if m.overlaps(base, f.Size) {
			return nil, ErrOverlap
		}
	}

	stored := f
	m.insertOrdered(&stored)
	if stored.Name != "" {
		m.byName[stored.Name] = &stored
	}
	return &stored, nil
}

// insertOrdered inserts f so that m.files stays sorted by base address.
// This is the only ordering the map keeps. Because the port-data region
// lies below the definition region, a node's .out/.in files always sort
// ahead of its .apx file. The file manager, not the map, decides the order
// in which files are announced.
func (m *FileMap) insertOrdered(f *File) {
	idx := sort.Search(len(m.files), func(i int) bool {
		return m.files[i].Base() >= f.Base()
	})
	m.files = append(m.files, nil)
	copy(m.files[idx+1:], m.files[idx:])
	m.files[idx] = f
	m.lastHit = nil
}

func (m *FileMap) overlaps(base, size uint32) bool {
	for _, f := range m.files {
		existingBase := f.Base()
		if base < existingBase+f.Size && existingBase < base+size {
			return true
		}
	}
	return false
}

// firstFit scans the region [start, end] for the first aligned gap that
// fits size bytes.
func (m *FileMap) firstFit(start, end, align, size uint32) (uint32, bool) {
	cursor := alignUp(start, align)

	for _, f := range m.files {
		base := f.Base()
		if base < start || base > end {
			continue
		}
		if cursor+size-1 < base {
			return cursor, true
		}
		if base+f.Size > cursor {
			cursor = alignUp(base+f.Size, align)
		}
	}

	if cursor < start || cursor+size-1 > end || cursor+size < cursor {
		return 0, false
	}
	return cursor, true
}

// FindByAddress returns the file whose logical region contains addr, with
// the remote-mirror bit already stripped by the caller if relevant.
func (m *FileMap) FindByAddress(addr uint32) *File {
	if m.lastHit != nil && m.lastHit.Contains(addr) {
		return m.lastHit
	}

	// Binary search for the last file whose base is <= addr.
	idx := sort.Search(len(m.files), func(i int) bool {
		return m.files[i].Base() > addr
	}) - 1

	if idx < 0 || idx >= len(m.files) {
		return nil
	}
	if f := m.files[idx]; f.Contains(addr) {
		m.lastHit = f
		return f
	}
	return nil
}

// FindByName returns the file with an exact name match, or nil.
func (m *FileMap) FindByName(name string) *File {
	return m.byName[name]
}

// Remove deletes the file with the given address from the map.
func (m *FileMap) Remove(addr uint32) {
	for i, f := range m.files {
		if f.Base() == addr {
			if m.lastHit == f {
				m.lastHit = nil
			}
			delete(m.byName, f.Name)
			m.files = append(m.files[:i], m.files[i+1:]...)
			return
		}
	}
}

// List returns a snapshot of all files currently in the map, in address
// order.
func (m *FileMap) List() []File {
	out := make([]File, len(m.files))
	for i, f := range m.files {
		out[i] = *f
	}
	return out
}
