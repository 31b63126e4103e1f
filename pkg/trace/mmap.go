package trace

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mappedFile is a read-only memory mapping of a trace file (spec.md §5:
// "File I/O is memory-mapped for reads"). The codec only ever reads from
// Data; nothing in this package writes through a mapping.
type mappedFile struct {
	f    *os.File
	Data []byte
}

func openMapped(path string) (*mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := info.Size()
	if size == 0 {
		return &mappedFile{f: f, Data: nil}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &mappedFile{f: f, Data: data}, nil
}

func (m *mappedFile) Close() error {
	var err error
	if m.Data != nil {
		err = unix.Munmap(m.Data)
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
