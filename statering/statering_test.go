package statering

import (
	"bytes"
	"errors"
	"testing"
)

// fakeDevice is a Snapshotter whose "state" is a single byte counter,
// enough to prove save/load round trips without a real emulator.
type fakeDevice struct {
	value byte
}

func (d *fakeDevice) Save(dst []byte) (int, error) {
	dst[0] = d.value
	return 1, nil
}

func (d *fakeDevice) Restore(src []byte) error {
	if len(src) < 1 {
		return errors.New("short snapshot")
	}
	d.value = src[0]
	return nil
}

func TestSaveThenLoadMostRecent(t *testing.T) {
	r := New(5, 16)
	dev := &fakeDevice{value: 7}
	if err := r.Save(dev, 100); err != nil {
		t.Fatalf("save: %v", err)
	}
	dev.value = 0 // perturb before restoring
	if err := r.Load(dev, 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dev.value != 7 {
		t.Fatalf("expected restored value 7, got %d", dev.value)
	}
}

func TestLoadFramesBackOrdering(t *testing.T) {
	r := New(5, 16)
	dev := &fakeDevice{}
	for f := uint64(0); f < 5; f++ {
		dev.value = byte(f)
		if err := r.Save(dev, f); err != nil {
			t.Fatalf("save %d: %v", f, err)
		}
	}
	// Most recent save was frame 4 (value 4); frames_back=2 -> frame 2 (value 2).
	if err := r.Load(dev, 2); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dev.value != 2 {
		t.Fatalf("expected value 2 at frames_back=2, got %d", dev.value)
	}
	frame, ok := r.FrameAt(2)
	if !ok || frame != 2 {
		t.Fatalf("expected FrameAt(2)==2, got %d ok=%v", frame, ok)
	}
}

func TestLoadBeyondDepthFailsCleanly(t *testing.T) {
	r := New(5, 16)
	dev := &fakeDevice{value: 9}
	if err := r.Save(dev, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	dev.value = 55
	if err := r.Load(dev, 6); err == nil {
		t.Fatal("expected error loading frames_back == depth+1")
	}
	if dev.value != 55 {
		t.Fatal("failed load must not mutate device state")
	}
}

func TestExactDepthBoundSucceeds(t *testing.T) {
	r := New(5, 16)
	dev := &fakeDevice{}
	// depth=5 needs 6 saves (frames 0..5) to fill all 6 physical slots:
	// frames_back==5 must reach the oldest one, frame 0, distinctly.
	for f := uint64(0); f < 6; f++ {
		dev.value = byte(f)
		if err := r.Save(dev, f); err != nil {
			t.Fatalf("save %d: %v", f, err)
		}
	}
	if err := r.Load(dev, 5); err != nil {
		t.Fatalf("expected frames_back==depth to succeed: %v", err)
	}
	if dev.value != 0 {
		t.Fatalf("expected value 0, got %d", dev.value)
	}
}

func TestOverwriteIsSilentAndWraps(t *testing.T) {
	r := New(3, 16) // depth=3 -> 4 physical slots
	dev := &fakeDevice{}
	for f := uint64(0); f < 5; f++ { // one more than physical capacity: wraps over slot 0
		dev.value = byte(f)
		if err := r.Save(dev, f); err != nil {
			t.Fatalf("save %d: %v", f, err)
		}
	}
	if r.Count() != 4 {
		t.Fatalf("expected count to saturate at physical capacity 4, got %d", r.Count())
	}
	// Oldest surviving frame is 1 (frame 0 was overwritten); it sits at
	// frames_back == depth == 3.
	frame, ok := r.FrameAt(3)
	if !ok || frame != 1 {
		t.Fatalf("expected oldest surviving frame to be 1, got %d ok=%v", frame, ok)
	}
}

func TestSaveErrorPropagates(t *testing.T) {
	r := New(2, 16)
	if err := r.Save(&erroringDevice{}, 0); err == nil {
		t.Fatal("expected save error to propagate")
	}
}

type erroringDevice struct{}

func (erroringDevice) Save([]byte) (int, error)   { return 0, errors.New("boom") }
func (erroringDevice) Restore(src []byte) error { return nil }

func TestStringDoesNotPanicEmpty(t *testing.T) {
	r := New(5, 1024)
	s := r.String()
	if !bytes.Contains([]byte(s), []byte("depth=5")) {
		t.Fatalf("expected summary to mention depth, got %q", s)
	}
}
