//go:build !tinygo

package flash

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileDevice emulates the two partitions with files in a directory, for dry
// runs on a host. slot-a.bin and slot-b.bin hold the images and the boot file
// names the slot the next "boot" uses.
type FileDevice struct {
	dir  string
	size int64

	mu      sync.Mutex
	current Slot
}

const bootFile = "boot"

// OpenFileDevice opens or creates a file-backed device in dir.
func OpenFileDevice(dir string, slotSize int64) (*FileDevice, error) {
	if slotSize <= 0 || slotSize%SectorSize != 0 {
		return nil, fmt.Errorf("flash: slot size %d is not a positive multiple of %d", slotSize, SectorSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	d := &FileDevice{dir: dir, size: slotSize}
	b, err := os.ReadFile(filepath.Join(dir, bootFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	case strings.TrimSpace(string(b)) == "B":
		d.current = SlotB
	}
	return d, nil
}

// Path returns the image file of slot s.
func (d *FileDevice) Path(s Slot) string {
	return filepath.Join(d.dir, "slot-"+strings.ToLower(s.String())+".bin")
}

func (d *FileDevice) SlotSize() int64 { return d.size }

func (d *FileDevice) Current() Slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *FileDevice) EraseSector(s Slot, offset int64) error {
	if offset%SectorSize != 0 {
		return ErrUnaligned
	}
	var blank [SectorSize]byte
	for i := range blank {
		blank[i] = 0xFF
	}
	return d.writeAt(s, blank[:], offset)
}

func (d *FileDevice) Program(s Slot, offset int64, data []byte) error {
	if offset%PageSize != 0 || len(data)%PageSize != 0 {
		return ErrUnaligned
	}
	return d.writeAt(s, data, offset)
}

func (d *FileDevice) writeAt(s Slot, p []byte, offset int64) error {
	if offset < 0 || offset+int64(len(p)) > d.size {
		return ErrOutOfRange
	}
	f, err := os.OpenFile(d.Path(s), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(p, offset); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (d *FileDevice) ReadAt(s Slot, p []byte, offset int64) (int, error) {
	f, err := os.Open(d.Path(s))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(p, offset)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Confirm always succeeds on a host.
func (d *FileDevice) Confirm() error { return nil }

// Reboot is a no-op on a host.
func (d *FileDevice) Reboot() {}

// RebootInto records s as the boot slot and switches to it.
func (d *FileDevice) RebootInto(s Slot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.WriteFile(filepath.Join(d.dir, bootFile), []byte(s.String()+"\n"), 0o644); err != nil {
		return &Error{Op: "reboot", Slot: s, Err: err}
	}
	d.current = s
	return nil
}
