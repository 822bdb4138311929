//go:build tinygo

package flash

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

#define ROM_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_REBOOT          ROM_CODE('R', 'B')
#define ROM_EXPLICIT_BUY    ROM_CODE('E', 'B')
#define ROM_GET_SYS_INFO    ROM_CODE('G', 'S')
#define ROM_CONNECT_FLASH   ROM_CODE('I', 'F')
#define ROM_EXIT_XIP        ROM_CODE('E', 'X')
#define ROM_RANGE_ERASE     ROM_CODE('R', 'E')
#define ROM_RANGE_PROGRAM   ROM_CODE('R', 'P')
#define ROM_FLUSH_CACHE     ROM_CODE('F', 'C')

#define ROM_LOOKUP_PTR      (0x14 + 2)
#define RT_FLAG_ARM_SEC     0x0004

#define REBOOT_FLASH_UPDATE 0x4
#define REBOOT_NO_RETURN    0x100

#define SYS_INFO_BOOT_INFO  0x0040

#define SECTOR_ERASE_CMD    0x20
#define SECTOR_BYTES        4096

#define WATCHDOG_CTRL       0x400d8000
#define WATCHDOG_TRIGGER    (1u << 31)

typedef void *(*lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef int (*buy_fn)(uint8_t *buf, uint32_t size);
typedef int (*sys_info_fn)(uint32_t *out, uint32_t words, uint32_t flags);
typedef void (*void_fn)(void);
typedef void (*erase_fn)(uint32_t addr, size_t count, uint32_t block, uint8_t cmd);
typedef void (*program_fn)(uint32_t addr, const uint8_t *data, size_t count);

// TinyGo runs in secure state without TrustZone.
static void *rom_lookup(uint32_t code) {
	lookup_fn lookup = (lookup_fn)(uintptr_t)*(uint16_t *)(ROM_LOOKUP_PTR);
	return lookup(code, RT_FLAG_ARM_SEC);
}

static int rom_buy(void) {
	buy_fn fn = (buy_fn)rom_lookup(ROM_EXPLICIT_BUY);
	if (!fn) return -1;
	uint32_t work[64];
	return fn((uint8_t *)work, sizeof(work));
}

// boot_partition reads the boot partition from BOOT_INFO word 1 (0xttppbbdd).
static int boot_partition(void) {
	sys_info_fn fn = (sys_info_fn)rom_lookup(ROM_GET_SYS_INFO);
	if (!fn) return 0;
	uint32_t info[5];
	if (fn(info, 5, SYS_INFO_BOOT_INFO) < 0) return 0;
	if (!(info[0] & SYS_INFO_BOOT_INFO)) return 0;
	uint8_t pp = (info[1] >> 16) & 0xFF;
	return pp == 0xFF ? 0 : (int)pp;
}

// reboot_flash_update boots xip_addr as a trial image. On success it never
// returns.
static int reboot_flash_update(uint32_t xip_addr) {
	reboot_fn fn = (reboot_fn)rom_lookup(ROM_REBOOT);
	if (!fn) return -1;
	int rc = fn(REBOOT_FLASH_UPDATE | REBOOT_NO_RETURN, 1000, xip_addr, 0);
	if (rc != 0) return rc;
	for (volatile uint32_t i = 0; i < 20000000; i++) { }
	while (1) { __asm__("wfi"); }
}

static void watchdog_reset(void) {
	*(volatile uint32_t *)WATCHDOG_CTRL = WATCHDOG_TRIGGER;
	while (1) { __asm__("nop"); }
}

// flash_op runs an erase (data == NULL) or program with interrupts masked
// and XIP exited for the duration.
static int flash_op(uint32_t offset, const uint8_t *data, uint32_t len) {
	void_fn connect = (void_fn)rom_lookup(ROM_CONNECT_FLASH);
	void_fn exit_xip = (void_fn)rom_lookup(ROM_EXIT_XIP);
	void_fn flush = (void_fn)rom_lookup(ROM_FLUSH_CACHE);
	erase_fn erase = (erase_fn)rom_lookup(ROM_RANGE_ERASE);
	program_fn program = (program_fn)rom_lookup(ROM_RANGE_PROGRAM);
	if (!connect || !exit_xip || !flush || !erase || !program) return -1;

	uint32_t primask;
	__asm__ volatile ("mrs %0, primask" : "=r" (primask));
	__asm__ volatile ("cpsid i");

	connect();
	exit_xip();
	if (data == NULL) {
		erase(offset, len, SECTOR_BYTES, SECTOR_ERASE_CMD);
	} else {
		program(offset, data, len);
	}
	flush();

	__asm__ volatile ("msr primask, %0" : : "r" (primask));
	return 0;
}
*/
import "C"

import "unsafe"

// Partition layout, as written by picotool:
//
//	PT (8 KiB) | A 0x002000..0x1f2000 | B 0x1f2000..0x3e2000
const (
	xipBase      = 0x10000000
	slotAOffset  = 0x002000
	slotBOffset  = 0x1F2000
	slotCapacity = 0x1F0000
)

// RP2350 drives the on-chip flash and bootrom through ROM calls.
type RP2350 struct {
	shutdown func()
}

// NewRP2350 returns the hardware device. shutdown, if set, runs before any
// reboot so the radio is left in a clean state.
func NewRP2350(shutdown func()) *RP2350 {
	return &RP2350{shutdown: shutdown}
}

func slotOffset(s Slot) uint32 {
	if s == SlotB {
		return slotBOffset
	}
	return slotAOffset
}

func (d *RP2350) SlotSize() int64 { return slotCapacity }

func (d *RP2350) Current() Slot {
	if C.boot_partition() == 1 {
		return SlotB
	}
	return SlotA
}

func (d *RP2350) EraseSector(s Slot, offset int64) error {
	if offset%SectorSize != 0 {
		return ErrUnaligned
	}
	if offset < 0 || offset+SectorSize > slotCapacity {
		return ErrOutOfRange
	}
	if rc := C.flash_op(C.uint32_t(slotOffset(s)+uint32(offset)), nil, SectorSize); rc != 0 {
		return &Error{Op: "erase", Slot: s, Offset: offset, Code: int(rc)}
	}
	return nil
}

func (d *RP2350) Program(s Slot, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if offset%PageSize != 0 || len(data)%PageSize != 0 {
		return ErrUnaligned
	}
	if offset < 0 || offset+int64(len(data)) > slotCapacity {
		return ErrOutOfRange
	}
	rc := C.flash_op(C.uint32_t(slotOffset(s)+uint32(offset)), (*C.uint8_t)(&data[0]), C.uint32_t(len(data)))
	if rc != 0 {
		return &Error{Op: "program", Slot: s, Offset: offset, Code: int(rc)}
	}
	return nil
}

// ReadAt reads through the XIP window.
func (d *RP2350) ReadAt(s Slot, p []byte, offset int64) (int, error) {
	if offset < 0 || offset >= slotCapacity {
		return 0, ErrOutOfRange
	}
	n := int64(len(p))
	if offset+n > slotCapacity {
		n = slotCapacity - offset
	}
	addr := uintptr(xipBase + slotOffset(s) + uint32(offset))
	return copy(p, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)), nil
}

// Confirm must run within 16.7 s of a flash-update boot. It is harmless when
// no trial boot is pending.
func (d *RP2350) Confirm() error {
	if rc := C.rom_buy(); rc != 0 {
		return &Error{Op: "confirm", Slot: d.Current(), Code: int(rc)}
	}
	return nil
}

// Reboot resets through the watchdog.
func (d *RP2350) Reboot() {
	if d.shutdown != nil {
		d.shutdown()
	}
	C.watchdog_reset()
}

func (d *RP2350) RebootInto(s Slot) error {
	if d.shutdown != nil {
		d.shutdown()
	}
	rc := C.reboot_flash_update(C.uint32_t(xipBase + slotOffset(s)))
	return &Error{Op: "reboot", Slot: s, Code: int(rc)}
}
