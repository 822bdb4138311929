//go:build !tinygo

package flash

import (
	"bytes"
	"os"
	"testing"
)

func TestFileDeviceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dev, err := OpenFileDevice(dir, testSlotSize)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPartitions(dev)
	img := image(5000)

	if err := p.Begin(int64(len(img))); err != nil {
		t.Fatal(err)
	}
	writeAll(t, p, img, 512)
	if err := p.End(true); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dev.Path(SlotB))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:len(img)], img) {
		t.Error("slot-b.bin content differs from image")
	}

	p.Restart()

	reopened, err := OpenFileDevice(dir, testSlotSize)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Current() != SlotB {
		t.Errorf("current after reboot = %s, want B", reopened.Current())
	}
}

func TestOpenFileDeviceRejectsBadSize(t *testing.T) {
	if _, err := OpenFileDevice(t.TempDir(), 1000); err == nil {
		t.Error("expected error for a slot size that is not sector aligned")
	}
}
