package memory

import (
	"testing"
	"unsafe"
)

func wordSliceAddr(w []uintptr) uintptr {
	return uintptr(unsafe.Pointer(&w[0]))
}

func bitmapBuffer(t *testing.T, bits uintptr) (Bitmap, []uintptr) {
	t.Helper()
	words := make([]uintptr, (bits+bitsInWord-1)/bitsInWord)
	return NewBitmap(Address(wordSliceAddr(words)), bits), words
}

func TestBitmapSetAt(t *testing.T) {
	b, _ := bitmapBuffer(t, 200)
	for _, i := range []uintptr{0, 1, 63, 64, 65, 199} {
		if b.At(i) {
			t.Errorf("bit %d set in fresh bitmap", i)
		}
		b.Set(i, true)
		if !b.At(i) {
			t.Errorf("bit %d not set after Set", i)
		}
		b.Set(i, false)
		if b.At(i) {
			t.Errorf("bit %d still set after clear", i)
		}
	}
}

func TestBitmapWords(t *testing.T) {
	b, words := bitmapBuffer(t, 128)
	if got := b.WordCount(); got != 2 {
		t.Fatalf("WordCount() = %d, want 2", got)
	}
	b.Set(1, true)
	b.Set(64, true)
	if words[0] != 2 {
		t.Errorf("word 0 = %#x, want 2", words[0])
	}
	if b.WordAt(1) != 1 {
		t.Errorf("word 1 = %#x, want 1", b.WordAt(1))
	}
	b.SetWord(0, 0xFF)
	if !b.At(7) {
		t.Error("bit 7 not set after SetWord")
	}
	b.Clear()
	if b.At(7) || b.At(64) {
		t.Error("bits survive Clear")
	}
}

func TestBitmapCopyFrom(t *testing.T) {
	a, _ := bitmapBuffer(t, 100)
	b, _ := bitmapBuffer(t, 100)
	a.Set(3, true)
	a.Set(99, true)
	b.CopyFrom(a)
	if !b.At(3) || !b.At(99) || b.At(4) {
		t.Error("CopyFrom did not copy bit pattern")
	}
}

func TestBitmapSizeFor(t *testing.T) {
	tests := []struct {
		bits uintptr
		want uintptr
	}{
		{0, 0},
		{1, 8},
		{64, 8},
		{65, 16},
		{128, 16},
	}
	for _, tt := range tests {
		if got := BitmapSizeFor(tt.bits); got != tt.want {
			t.Errorf("BitmapSizeFor(%d) = %d, want %d", tt.bits, got, tt.want)
		}
	}
}
