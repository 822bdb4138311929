// Package flash writes firmware images into the inactive slot of an A/B
// partition layout and hands the device over to the new image.
//
// The RP2350 bootrom boots from one of two equal partitions. A new image is
// always written into the partition that is not running, so a failed or
// interrupted update leaves the running firmware untouched. After a
// flash-update reboot the new image must confirm itself (TBYB) or the bootrom
// reverts to the previous one.
package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Flash geometry.
const (
	SectorSize = 4096 // erase block
	PageSize   = 256  // program block
)

// Slot identifies one of the two partitions.
type Slot uint8

const (
	SlotA Slot = iota
	SlotB
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	}
	return fmt.Sprintf("slot(%d)", uint8(s))
}

// Device is raw partition flash plus the boot controls of the chip.
// Offsets are relative to the start of a slot.
type Device interface {
	// SlotSize returns the size of each partition.
	SlotSize() int64
	// Current returns the partition the running image booted from.
	Current() Slot
	// EraseSector erases the SectorSize block at offset.
	EraseSector(s Slot, offset int64) error
	// Program writes data at offset. Both are PageSize aligned and the
	// range must be erased.
	Program(s Slot, offset int64, data []byte) error
	ReadAt(s Slot, p []byte, offset int64) (int, error)
	// Confirm accepts the running image after a flash-update boot.
	Confirm() error
	// Reboot restarts into whatever the bootrom selects.
	Reboot()
	// RebootInto restarts into s as a trial boot. It only returns on error.
	RebootInto(s Slot) error
}

// Errors
var (
	ErrNotBegun      = errors.New("flash: no update in progress")
	ErrImageTooLarge = errors.New("flash: image too large for partition")
	ErrInvalidSize   = errors.New("flash: invalid image size")
	ErrOverflow      = errors.New("flash: write beyond declared image size")
	ErrIncomplete    = errors.New("flash: image incomplete")
	ErrNotErased     = errors.New("flash: programming over unerased flash")
	ErrOutOfRange    = errors.New("flash: offset out of range")
	ErrUnaligned     = errors.New("flash: unaligned access")
	ErrNoImageDef    = errors.New("flash: no IMAGE_DEF block in image header")
)

// Error describes a failed flash or boot operation. Code carries the ROM
// return code where one exists.
type Error struct {
	Op     string
	Slot   Slot
	Offset int64
	Code   int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("flash: %s slot %s at 0x%06x", e.Op, e.Slot, e.Offset)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (rom code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Verifier checks a fully written image before it is marked bootable.
type Verifier func(img io.ReaderAt, size int64) error

// Picobin block markers.
const (
	blockMarkerStart = 0xffffded3
	blockSearchSpan  = 4096
)

// VerifyPicobin checks that the image carries a picobin block in its first
// 4 KiB, without which the RP2350 bootrom refuses to boot a partition.
func VerifyPicobin(img io.ReaderAt, size int64) error {
	span := size
	if span > blockSearchSpan {
		span = blockSearchSpan
	}
	var buf [PageSize]byte
	for off := int64(0); off < span; off += PageSize {
		n := int64(PageSize)
		if off+n > span {
			n = span - off
		}
		if _, err := img.ReadAt(buf[:n], off); err != nil && err != io.EOF {
			return err
		}
		for i := int64(0); i+4 <= n; i += 4 {
			if binary.LittleEndian.Uint32(buf[i:]) == blockMarkerStart {
				return nil
			}
		}
	}
	return ErrNoImageDef
}

// slotReader exposes one slot as an io.ReaderAt.
type slotReader struct {
	dev  Device
	slot Slot
}

func (r slotReader) ReadAt(p []byte, off int64) (int, error) {
	return r.dev.ReadAt(r.slot, p, off)
}
