package flash

import (
	"fmt"
	"sync"
)

// MemDevice is a RAM-backed Device with NOR flash semantics: programming
// requires an erased range and erase sets bytes to 0xFF. It records reboots
// instead of performing them.
type MemDevice struct {
	mu        sync.Mutex
	slots     [2][]byte
	current   Slot
	confirmed bool
	erases    int
	programs  int
	reboots   []string

	// FailErase and FailProgram, when non-nil, are returned by the
	// operation at the matching offset.
	FailErase   map[int64]error
	FailProgram map[int64]error
	// ConfirmCode is returned as a ROM code by Confirm when non-zero.
	ConfirmCode int
}

// NewMemDevice returns a device with two slots of slotSize bytes, booted
// from current. Slots start filled with stale data so unerased writes show.
func NewMemDevice(slotSize int64, current Slot) *MemDevice {
	d := &MemDevice{current: current}
	for i := range d.slots {
		d.slots[i] = make([]byte, slotSize)
		for j := range d.slots[i] {
			d.slots[i][j] = 0xA5
		}
	}
	return d
}

func (d *MemDevice) SlotSize() int64 { return int64(len(d.slots[0])) }

func (d *MemDevice) Current() Slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *MemDevice) EraseSector(s Slot, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(s, offset, SectorSize, SectorSize); err != nil {
		return err
	}
	if err := d.FailErase[offset]; err != nil {
		return err
	}
	for i := offset; i < offset+SectorSize; i++ {
		d.slots[s][i] = 0xFF
	}
	d.erases++
	return nil
}

func (d *MemDevice) Program(s Slot, offset int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(data)%PageSize != 0 {
		return ErrUnaligned
	}
	if err := d.check(s, offset, int64(len(data)), PageSize); err != nil {
		return err
	}
	if err := d.FailProgram[offset]; err != nil {
		return err
	}
	dst := d.slots[s][offset : offset+int64(len(data))]
	for _, b := range dst {
		if b != 0xFF {
			return ErrNotErased
		}
	}
	copy(dst, data)
	d.programs++
	return nil
}

func (d *MemDevice) ReadAt(s Slot, p []byte, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset < 0 || offset >= int64(len(d.slots[s])) {
		return 0, ErrOutOfRange
	}
	return copy(p, d.slots[s][offset:]), nil
}

func (d *MemDevice) Confirm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ConfirmCode != 0 {
		return &Error{Op: "confirm", Slot: d.current, Code: d.ConfirmCode}
	}
	d.confirmed = true
	return nil
}

func (d *MemDevice) Reboot() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reboots = append(d.reboots, "reboot")
}

func (d *MemDevice) RebootInto(s Slot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reboots = append(d.reboots, "reboot-into "+s.String())
	d.current = s
	d.confirmed = false
	return nil
}

// Image returns a copy of the first n bytes of slot s.
func (d *MemDevice) Image(s Slot, n int64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.slots[s][:n]...)
}

// Counts returns how many erase and program operations succeeded.
func (d *MemDevice) Counts() (erases, programs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.erases, d.programs
}

// Reboots returns the recorded reboot requests.
func (d *MemDevice) Reboots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reboots...)
}

// Confirmed reports whether the running image was confirmed since the
// last reboot.
func (d *MemDevice) Confirmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmed
}

func (d *MemDevice) check(s Slot, offset, n, align int64) error {
	if s > SlotB {
		return fmt.Errorf("flash: no slot %d", s)
	}
	if offset%align != 0 {
		return ErrUnaligned
	}
	if offset < 0 || offset+n > int64(len(d.slots[s])) {
		return ErrOutOfRange
	}
	return nil
}
