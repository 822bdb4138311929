package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// UF2 block layout.
const (
	uf2BlockSize   = 512
	uf2PayloadOff  = 32
	uf2MaxPayload  = 476
	uf2Magic1      = 0x0A324655 // "UF2\n"
	uf2Magic2      = 0x9E5D5157
	uf2Magic3      = 0x0AB16F30
	maxImageSize   = 4 << 20
	flagFamilyID   = 0x00002000
	flagNotMain    = 0x00000001
	flagContainer  = 0x00001000
	flagMD5        = 0x00004000
	flagExtensions = 0x00008000
)

var (
	errNotUF2       = errors.New("not a valid UF2 file")
	errUF2TooSmall  = errors.New("file too small to be UF2")
	errUF2Unaligned = errors.New("UF2 file size not multiple of 512")
	errImageTooBig  = errors.New("extracted binary too large")
)

var familyNames = map[uint32]string{
	0xe48bff56: "RP2040",
	0xe48bff57: "RP2350 ARM-S",
	0xe48bff58: "RP2350 ARM-NS",
	0xe48bff59: "RP2350 RISC-V",
}

// uf2Block is the decoded header of one 512-byte block.
type uf2Block struct {
	Flags       uint32
	TargetAddr  uint32
	PayloadSize uint32
	BlockNo     uint32
	NumBlocks   uint32
	FamilyID    uint32
}

func decodeUF2Block(b []byte) (uf2Block, error) {
	if len(b) < uf2BlockSize {
		return uf2Block{}, errUF2TooSmall
	}
	le := binary.LittleEndian
	if le.Uint32(b[0:4]) != uf2Magic1 || le.Uint32(b[4:8]) != uf2Magic2 || le.Uint32(b[508:512]) != uf2Magic3 {
		return uf2Block{}, errNotUF2
	}
	blk := uf2Block{
		Flags:       le.Uint32(b[8:12]),
		TargetAddr:  le.Uint32(b[12:16]),
		PayloadSize: le.Uint32(b[16:20]),
		BlockNo:     le.Uint32(b[20:24]),
		NumBlocks:   le.Uint32(b[24:28]),
		FamilyID:    le.Uint32(b[28:32]),
	}
	if blk.PayloadSize > uf2MaxPayload {
		blk.PayloadSize = uf2MaxPayload
	}
	return blk, nil
}

func (b uf2Block) family() string {
	if b.Flags&flagFamilyID == 0 {
		return ""
	}
	if name, ok := familyNames[b.FamilyID]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%08x)", b.FamilyID)
}

func (b uf2Block) flagNames() []string {
	var names []string
	for _, f := range []struct {
		bit  uint32
		name string
	}{
		{flagNotMain, "NOT_MAIN_FLASH"},
		{flagContainer, "FILE_CONTAINER"},
		{flagFamilyID, "FAMILY_ID_PRESENT"},
		{flagMD5, "MD5_CHECKSUM_PRESENT"},
		{flagExtensions, "EXTENSION_TAGS_PRESENT"},
	} {
		if b.Flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// extractUF2Binary flattens a UF2 container into the flash image it
// describes, starting at the lowest target address. Gaps are zero-filled.
func extractUF2Binary(uf2Data []byte) ([]byte, error) {
	if len(uf2Data) < uf2BlockSize {
		return nil, errUF2TooSmall
	}
	if len(uf2Data)%uf2BlockSize != 0 {
		return nil, errUF2Unaligned
	}
	numBlocks := len(uf2Data) / uf2BlockSize
	blocks := make([]uf2Block, numBlocks)

	var minAddr, maxAddr uint32 = 0xFFFFFFFF, 0
	for i := range blocks {
		blk, err := decodeUF2Block(uf2Data[i*uf2BlockSize:])
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		blocks[i] = blk
		minAddr = min(minAddr, blk.TargetAddr)
		maxAddr = max(maxAddr, blk.TargetAddr+blk.PayloadSize)
	}

	size := maxAddr - minAddr
	if size > maxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", errImageTooBig, size)
	}
	out := make([]byte, size)
	for i, blk := range blocks {
		payload := uf2Data[i*uf2BlockSize+uf2PayloadOff:]
		off := blk.TargetAddr - minAddr
		copy(out[off:off+blk.PayloadSize], payload[:blk.PayloadSize])
	}
	return out, nil
}

// loadFirmware reads path, flattening it first when it is a UF2 file.
func loadFirmware(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".uf2") {
		return extractUF2Binary(data)
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", errImageTooBig, len(data))
	}
	return data, nil
}

// readFirmwareInfo prints the header of the first block of a UF2 file.
func readFirmwareInfo(w io.Writer, path string) (uf2Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return uf2Block{}, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return uf2Block{}, err
	}
	first := make([]byte, uf2BlockSize)
	if _, err := io.ReadFull(f, first); err != nil {
		return uf2Block{}, fmt.Errorf("%w: %v", errUF2TooSmall, err)
	}
	blk, err := decodeUF2Block(first)
	if err != nil {
		return uf2Block{}, err
	}

	size := stat.Size()
	fmt.Fprintf(w, "UF2 File: %s\n", path)
	fmt.Fprintf(w, "  File size: %d bytes (%d KB)\n", size, size/1024)
	fmt.Fprintf(w, "  Blocks: %d\n", blk.NumBlocks)
	fmt.Fprintf(w, "  Target address: 0x%08x\n", blk.TargetAddr)
	fmt.Fprintf(w, "  Payload per block: %d bytes\n", blk.PayloadSize)
	fmt.Fprintf(w, "  Flags: 0x%08x\n", blk.Flags)
	for _, name := range blk.flagNames() {
		fmt.Fprintf(w, "    - %s\n", name)
	}
	if fam := blk.family(); fam != "" {
		fmt.Fprintf(w, "  Family: %s\n", fam)
	}
	fmt.Fprintf(w, "  Image size: ~%d bytes\n", int64(blk.NumBlocks)*int64(blk.PayloadSize))
	return blk, nil
}

func newFWInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fw-info <firmware.uf2>",
		Short: "Show UF2 firmware file information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := readFirmwareInfo(a.out, args[0])
			return err
		},
	}
}
