package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// blockDef describes one block for buildUF2.
type blockDef struct {
	addr    uint32
	fill    byte
	payload uint32
}

// buildUF2 encodes blocks into a UF2 container tagged with family.
func buildUF2(family uint32, defs ...blockDef) []byte {
	out := make([]byte, len(defs)*uf2BlockSize)
	le := binary.LittleEndian
	for i, s := range defs {
		b := out[i*uf2BlockSize : (i+1)*uf2BlockSize]
		le.PutUint32(b[0:4], uf2Magic1)
		le.PutUint32(b[4:8], uf2Magic2)
		le.PutUint32(b[508:512], uf2Magic3)
		le.PutUint32(b[8:12], flagFamilyID)
		le.PutUint32(b[12:16], s.addr)
		le.PutUint32(b[16:20], s.payload)
		le.PutUint32(b[20:24], uint32(i))
		le.PutUint32(b[24:28], uint32(len(defs)))
		le.PutUint32(b[28:32], family)
		for j := uint32(0); j < s.payload; j++ {
			b[uf2PayloadOff+int(j)] = s.fill
		}
	}
	return out
}

func sequential(n int) []blockDef {
	defs := make([]blockDef, n)
	for i := range defs {
		defs[i] = blockDef{addr: 0x10000000 + uint32(i*256), fill: byte(0x10 + i), payload: 256}
	}
	return defs
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractUF2Binary(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		out, err := extractUF2Binary(buildUF2(0xe48bff59, sequential(10)...))
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 10*256 {
			t.Fatalf("len = %d, want %d", len(out), 10*256)
		}
		for i := 0; i < 10; i++ {
			if out[i*256] != byte(0x10+i) || out[i*256+255] != byte(0x10+i) {
				t.Errorf("block %d payload misplaced", i)
			}
		}
	})

	t.Run("gaps zero filled", func(t *testing.T) {
		out, err := extractUF2Binary(buildUF2(0xe48bff59,
			blockDef{addr: 0x10001000, fill: 0xA0, payload: 256},
			blockDef{addr: 0x10003000, fill: 0xA2, payload: 256},
			blockDef{addr: 0x10002000, fill: 0xA1, payload: 256},
		))
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 0x2100 {
			t.Fatalf("len = %#x, want 0x2100", len(out))
		}
		got := []byte{out[0], out[0x100], out[0x1000], out[0x2000]}
		if diff := cmp.Diff([]byte{0xA0, 0x00, 0xA1, 0xA2}, got); diff != "" {
			t.Errorf("markers (-want +got):\n%s", diff)
		}
	})

	errTests := []struct {
		name string
		data []byte
		want error
	}{
		{"too small", make([]byte, 100), errUF2TooSmall},
		{"unaligned", make([]byte, 600), errUF2Unaligned},
		{"bad magic", append([]byte("NOPE"), make([]byte, 508)...), errNotUF2},
		{"too large", buildUF2(0xe48bff59,
			blockDef{addr: 0x10000000, payload: 256},
			blockDef{addr: 0x10000000 + maxImageSize, payload: 256}), errImageTooBig},
	}
	for _, tc := range errTests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := extractUF2Binary(tc.data); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestReadFirmwareInfo(t *testing.T) {
	families := []struct {
		id   uint32
		name string
	}{
		{0xe48bff56, "RP2040"},
		{0xe48bff57, "RP2350 ARM-S"},
		{0xe48bff58, "RP2350 ARM-NS"},
		{0xe48bff59, "RP2350 RISC-V"},
		{0x12345678, "unknown (0x12345678)"},
	}
	for _, fam := range families {
		t.Run(fam.name, func(t *testing.T) {
			path := writeFile(t, "fw.uf2", buildUF2(fam.id, sequential(3)...))
			var out bytes.Buffer
			blk, err := readFirmwareInfo(&out, path)
			if err != nil {
				t.Fatal(err)
			}
			want := uf2Block{Flags: flagFamilyID, TargetAddr: 0x10000000, PayloadSize: 256, NumBlocks: 3, FamilyID: fam.id}
			if diff := cmp.Diff(want, blk); diff != "" {
				t.Errorf("block (-want +got):\n%s", diff)
			}
			for _, s := range []string{"Family: " + fam.name, "FAMILY_ID_PRESENT", "Blocks: 3"} {
				if !strings.Contains(out.String(), s) {
					t.Errorf("output missing %q:\n%s", s, out.String())
				}
			}
		})
	}

	t.Run("bad magic", func(t *testing.T) {
		path := writeFile(t, "bad.uf2", append([]byte("NOPE"), make([]byte, 508)...))
		if _, err := readFirmwareInfo(&bytes.Buffer{}, path); !errors.Is(err, errNotUF2) {
			t.Errorf("err = %v, want errNotUF2", err)
		}
	})
	t.Run("too small", func(t *testing.T) {
		path := writeFile(t, "small.uf2", make([]byte, 100))
		if _, err := readFirmwareInfo(&bytes.Buffer{}, path); !errors.Is(err, errUF2TooSmall) {
			t.Errorf("err = %v, want errUF2TooSmall", err)
		}
	})
	t.Run("missing", func(t *testing.T) {
		if _, err := readFirmwareInfo(&bytes.Buffer{}, "/nonexistent/file.uf2"); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("err = %v, want not-exist", err)
		}
	})
}

func TestLoadFirmware(t *testing.T) {
	raw := []byte("raw image bytes")
	rawPath := writeFile(t, "fw.bin", raw)
	got, err := loadFirmware(rawPath)
	if err != nil || !bytes.Equal(got, raw) {
		t.Errorf("loadFirmware(bin) = %q, %v", got, err)
	}

	uf2Path := writeFile(t, "fw.UF2", buildUF2(0xe48bff59, sequential(2)...))
	got, err = loadFirmware(uf2Path)
	if err != nil || len(got) != 512 {
		t.Errorf("loadFirmware(uf2) = %d bytes, %v", len(got), err)
	}
}
