package vecindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// On-disk layout. Two sibling files written atomically via temp + rename:
//
//	<path>.index    magic "BSIX", version, dims, count, then count*dims
//	                little-endian float32 values row-major
//	<path>.mapping  magic "BSMP", version, count, then count 16-byte UUIDs
//
// Load verifies magic, version, dims, and that both counts agree.
const (
	indexMagic   = "BSIX"
	mappingMagic = "BSMP"
	formatVer    = uint32(1)
)

// Save writes the current snapshot to <path>.index and <path>.mapping.
func (f *Flat) Save(path string) error {
	f.mu.Lock()
	snap := f.snap.Load()
	f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("vecindex: create snapshot dir: %w", err)
	}
	if err := writeAtomic(path+".index", func(w *bufio.Writer) error {
		return writeIndexFile(w, snap)
	}); err != nil {
		return err
	}
	return writeAtomic(path+".mapping", func(w *bufio.Writer) error {
		return writeMappingFile(w, snap)
	})
}

// Load replaces the index contents with a previously saved snapshot.
func (f *Flat) Load(path string) error {
	dims, vecs, err := readIndexFile(path + ".index")
	if err != nil {
		return err
	}
	if dims != f.dims {
		return fmt.Errorf("vecindex: snapshot dimension %d, index expects %d", dims, f.dims)
	}
	ids, err := readMappingFile(path + ".mapping")
	if err != nil {
		return err
	}
	if len(vecs) != len(ids)*f.dims {
		return fmt.Errorf("vecindex: snapshot holds %d vectors but mapping has %d ids", len(vecs)/f.dims, len(ids))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Store(&snapshot{dims: f.dims, vecs: vecs, ids: ids})
	return nil
}

// writeAtomic writes via a temp file in the same directory and renames it
// into place, so readers never observe a partial file.
func writeAtomic(path string, fill func(*bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("vecindex: create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("vecindex: flush %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("vecindex: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vecindex: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("vecindex: rename %s: %w", path, err)
	}
	return nil
}

func writeIndexFile(w *bufio.Writer, snap *snapshot) error {
	if _, err := w.WriteString(indexMagic); err != nil {
		return fmt.Errorf("vecindex: write index header: %w", err)
	}
	header := []uint32{formatVer, uint32(snap.dims), uint32(snap.count())} //nolint:gosec // dims and count are bounded
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			return fmt.Errorf("vecindex: write index header: %w", err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, snap.vecs); err != nil {
		return fmt.Errorf("vecindex: write vectors: %w", err)
	}
	return nil
}

func writeMappingFile(w *bufio.Writer, snap *snapshot) error {
	if _, err := w.WriteString(mappingMagic); err != nil {
		return fmt.Errorf("vecindex: write mapping header: %w", err)
	}
	header := []uint32{formatVer, uint32(snap.count())} //nolint:gosec // count is bounded
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			return fmt.Errorf("vecindex: write mapping header: %w", err)
		}
	}
	for _, id := range snap.ids {
		if _, err := w.Write(id[:]); err != nil {
			return fmt.Errorf("vecindex: write mapping: %w", err)
		}
	}
	return nil
}

func readIndexFile(path string) (int, []float32, error) {
	file, err := os.Open(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return 0, nil, fmt.Errorf("vecindex: open index file: %w", err)
	}
	defer func() { _ = file.Close() }()
	r := bufio.NewReader(file)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != indexMagic {
		return 0, nil, fmt.Errorf("vecindex: %s is not an index snapshot", path)
	}
	var ver, dims, count uint32
	for _, dst := range []*uint32{&ver, &dims, &count} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return 0, nil, fmt.Errorf("vecindex: read index header: %w", err)
		}
	}
	if ver != formatVer {
		return 0, nil, fmt.Errorf("vecindex: unsupported snapshot version %d", ver)
	}

	vecs := make([]float32, int(dims)*int(count))
	if err := binary.Read(r, binary.LittleEndian, vecs); err != nil {
		return 0, nil, fmt.Errorf("vecindex: read vectors: %w", err)
	}
	return int(dims), vecs, nil
}

func readMappingFile(path string) ([]uuid.UUID, error) {
	file, err := os.Open(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("vecindex: open mapping file: %w", err)
	}
	defer func() { _ = file.Close() }()
	r := bufio.NewReader(file)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != mappingMagic {
		return nil, fmt.Errorf("vecindex: %s is not a mapping snapshot", path)
	}
	var ver, count uint32
	for _, dst := range []*uint32{&ver, &count} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, fmt.Errorf("vecindex: read mapping header: %w", err)
		}
	}
	if ver != formatVer {
		return nil, fmt.Errorf("vecindex: unsupported snapshot version %d", ver)
	}

	ids := make([]uuid.UUID, count)
	for i := range ids {
		if _, err := io.ReadFull(r, ids[i][:]); err != nil {
			return nil, fmt.Errorf("vecindex: read mapping entry %d: %w", i, err)
		}
	}
	return ids, nil
}
