package rollback

import (
	"testing"

	"github.com/JimmiTeam/mupen64plus-core/inputring"
	"github.com/JimmiTeam/mupen64plus-core/statering"
)

// fakeSnapshotter records what was saved/restored without doing any
// real emulator work: Save copies a small state counter into dst,
// Restore copies it back out.
type fakeSnapshotter struct {
	state  int
	loaded int
	failLoad bool
}

func (f *fakeSnapshotter) Save(dst []byte) (int, error) {
	dst[0] = byte(f.state)
	return 1, nil
}

func (f *fakeSnapshotter) Restore(src []byte) error {
	if f.failLoad {
		return errFakeRestore
	}
	f.loaded = int(src[0])
	return nil
}

var errFakeRestore = fakeErr("restore failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func newTestController(depth int) (*Controller, *fakeSnapshotter) {
	ring := inputring.New(2, inputring.MinSize)
	states := statering.New(depth, 4)
	snap := &fakeSnapshotter{}
	return New(ring, states, snap, 2, 0, 1), snap
}

// simulateFrames drives the State Ring the way a real session would:
// exactly one save per frame, in order, with currentF tracking the
// frame just saved. This is what makes a later frames_back computation
// land on the slot actually holding that frame's state, rather than on
// whatever the ring's position happens to be.
func simulateFrames(c *Controller, snap *fakeSnapshotter, from, to int) {
	for f := from; f <= to; f++ {
		snap.state = f * 10
		if err := c.SaveState(uint64(f)); err != nil {
			panic(err)
		}
		c.SeedCurrentFrame(uint64(f))
	}
}

func TestRecordLocalOffsetsByDelta(t *testing.T) {
	c, _ := newTestController(statering.DefaultDepth)
	target := c.RecordLocal(10, 0xAB, 1)
	if target != 11 {
		t.Fatalf("expected target frame 11, got %d", target)
	}
	if slot, ok := c.ring.Get(0, 11); !ok || slot.Raw != 0xAB {
		t.Fatalf("expected input stored at frame 11, got %+v ok=%v", slot, ok)
	}
}

func TestInputForSpeculatesRemoteAndRecordsPrediction(t *testing.T) {
	c, _ := newTestController(statering.DefaultDepth)
	c.Observe(1, 0xCAFE, 2)

	raw, plugin := c.InputFor(1, 5)
	if raw != 0xCAFE || plugin != 2 {
		t.Fatalf("expected speculated fallback 0xCAFE/2, got %x/%d", raw, plugin)
	}
	if got := c.pred.get(1, 5); got != flagPredicted {
		t.Fatalf("expected flagPredicted, got %v", got)
	}
}

func TestOnRemoteInputConfirmsMatchingPrediction(t *testing.T) {
	c, _ := newTestController(statering.DefaultDepth)
	c.Observe(1, 0x10, 0)
	c.InputFor(1, 5) // speculates 0x10

	c.OnRemoteInput(1, 5, 0x10, 0)
	if got := c.pred.get(1, 5); got != flagConfirmed {
		t.Fatalf("expected flagConfirmed after matching arrival, got %v", got)
	}
	if c.Pending() != nil {
		t.Fatalf("expected no rollback for a confirmed prediction")
	}
}

func TestOnRemoteInputLatchesRollbackOnMismatch(t *testing.T) {
	c, _ := newTestController(10)
	c.SeedCurrentFrame(10)
	c.Observe(1, 0x10, 0)
	c.InputFor(1, 5) // speculates 0x10 for frame 5

	c.OnRemoteInput(1, 5, 0x99, 0)
	pr := c.Pending()
	if pr == nil {
		t.Fatal("expected a latched rollback")
	}
	if pr.TargetFrame != 5 || pr.FramesBack != 5 || pr.OffendingPort != 1 {
		t.Fatalf("unexpected pending rollback: %+v", pr)
	}
}

func TestOnRemoteInputNoRollbackWithoutPriorPrediction(t *testing.T) {
	c, _ := newTestController(statering.DefaultDepth)
	c.SeedCurrentFrame(10)
	// No InputFor call first: the ring has nothing stored, so there is
	// no prior speculation to contradict.
	c.OnRemoteInput(1, 5, 0x99, 0)
	if c.Pending() != nil {
		t.Fatal("expected no rollback when there was no prior prediction")
	}
	if got := c.pred.get(1, 5); got != flagConfirmed {
		t.Fatalf("expected flagConfirmed (OnRemoteInput only confirms, never predicts), got %v", got)
	}
}

func TestLatchRollbackBeyondDepthIsUnrecoverable(t *testing.T) {
	c, _ := newTestController(2) // shallow ring: depth 2
	c.SeedCurrentFrame(10)
	c.Observe(1, 0x10, 0)
	c.InputFor(1, 0) // target frame 0, 10 frames back — exceeds depth 2

	c.OnRemoteInput(1, 0, 0x99, 0)
	if c.Pending() != nil {
		t.Fatal("expected no pending rollback when beyond state-ring depth")
	}
	if c.Status() != StatusUnrecoverable {
		t.Fatalf("expected StatusUnrecoverable, got %v", c.Status())
	}
}

func TestCheckSyncExecutesRollbackAndEntersResim(t *testing.T) {
	c, snap := newTestController(10)
	simulateFrames(c, snap, 5, 10) // currentF ends at 10, frame 5 is 5 frames back

	c.Observe(1, 0x10, 0)
	c.InputFor(1, 5)
	c.OnRemoteInput(1, 5, 0x99, 0)

	rolledBack, err := c.CheckSync()
	if err != nil {
		t.Fatalf("check sync: %v", err)
	}
	if !rolledBack {
		t.Fatal("expected CheckSync to report a rollback was executed")
	}
	if c.CurrentFrame() != 5 {
		t.Fatalf("expected current frame to rewind to 5, got %d", c.CurrentFrame())
	}
	if snap.loaded != 50 {
		t.Fatalf("expected restored state for frame 5 (value 50), got %d", snap.loaded)
	}
	if c.Status() != StatusResimming {
		t.Fatalf("expected StatusResimming, got %v", c.Status())
	}
	if c.Pending() != nil {
		t.Fatal("expected pending rollback cleared after execution")
	}
}

func TestResimProgressesAndEndsAtZero(t *testing.T) {
	c, snap := newTestController(10)
	simulateFrames(c, snap, 7, 10) // frame 7 ends up 3 frames back

	c.Observe(1, 0x10, 0)
	c.InputFor(1, 7)
	c.OnRemoteInput(1, 7, 0x99, 0) // rollback: frames_back = 3

	if _, err := c.CheckSync(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if c.Status() != StatusResimming {
		t.Fatal("expected resim to have started")
	}

	for i := 0; i < 3; i++ {
		if c.Status() != StatusResimming {
			t.Fatalf("resim ended early at iteration %d", i)
		}
		if _, err := c.CheckSync(); err != nil {
			t.Fatalf("resim step %d: %v", i, err)
		}
	}
	if c.Status() != StatusIdle {
		t.Fatalf("expected resim to end after exactly frames_back steps, got %v", c.Status())
	}
}

func TestCheckSyncLoadFailureIsReported(t *testing.T) {
	c, snap := newTestController(10)
	simulateFrames(c, snap, 5, 10)
	snap.failLoad = true

	c.Observe(1, 0x10, 0)
	c.InputFor(1, 5)
	c.OnRemoteInput(1, 5, 0x99, 0)

	_, err := c.CheckSync()
	if err == nil {
		t.Fatal("expected an error when state load fails")
	}
	if c.Pending() != nil {
		t.Fatal("expected pending rollback to be cleared even on failure")
	}
}

func TestDeeperRollbackSubsumesShallowerPending(t *testing.T) {
	c, _ := newTestController(10)
	c.SeedCurrentFrame(10)

	c.Observe(1, 0x10, 0)
	c.InputFor(1, 8)
	c.OnRemoteInput(1, 8, 0x99, 0) // frames_back = 2

	c.Observe(1, 0x20, 0)
	c.InputFor(1, 3)
	c.OnRemoteInput(1, 3, 0x77, 0) // frames_back = 7, deeper

	pr := c.Pending()
	if pr == nil || pr.TargetFrame != 3 {
		t.Fatalf("expected the deeper rollback (frame 3) to win, got %+v", pr)
	}
}

func TestMispredictionDuringResimIsNotActedOnImmediately(t *testing.T) {
	c, snap := newTestController(10)
	simulateFrames(c, snap, 7, 10)

	// The remote port speculates on frame 6 before the rollback below
	// starts, so its prediction slot is real (not just "no prior data").
	// Frame 6 lies before the rewound window [7, 10], so clearRange
	// leaves its flag in place.
	c.Observe(1, 0x01, 0)
	c.InputFor(1, 6)

	c.Observe(1, 0x10, 0)
	c.InputFor(1, 7)
	c.OnRemoteInput(1, 7, 0x99, 0)
	if _, err := c.CheckSync(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if c.Status() != StatusResimming {
		t.Fatal("expected resim in progress")
	}

	// The frame-6 prediction is contradicted while resim is in flight;
	// the inline check must not latch a second rollback now.
	c.OnRemoteInput(1, 6, 0x02, 0)
	if c.Pending() != nil {
		t.Fatal("expected no rollback latched mid-resim; the post-resim scan owns this case")
	}

	// Run resim to completion (frames_back was 3); the post-resim scan
	// should then latch the deferred frame-6 mismatch.
	for i := 0; i < 3; i++ {
		if _, err := c.CheckSync(); err != nil {
			t.Fatalf("resim step %d: %v", i, err)
		}
	}
	pr := c.Pending()
	if pr == nil || pr.TargetFrame != 6 || pr.OffendingPort != 1 {
		t.Fatalf("expected the deferred mismatch to be latched after resim, got %+v", pr)
	}
}

func TestPredictionTableSizeMatchesInputRing(t *testing.T) {
	ring := inputring.New(2, 4096)
	if ring.Size() != 4096 {
		t.Fatalf("expected ring size 4096, got %d", ring.Size())
	}
	c := New(ring, statering.New(statering.DefaultDepth, 4), &fakeSnapshotter{}, 2, 0, 1)
	if c.pred.size != ring.Size() {
		t.Fatalf("expected prediction table sized to match ring: got %d want %d", c.pred.size, ring.Size())
	}
}
