package mm

import "testing"

type testStore struct {
	words map[uint32]uint32
}

func newTestStore() *testStore {
	return &testStore{words: make(map[uint32]uint32)}
}

func (s *testStore) Word(addr uint32) uint32 {
	return s.words[addr]
}

func (s *testStore) SetWord(addr, word uint32) {
	if word == 0 {
		delete(s.words, addr)
		return
	}
	s.words[addr] = word
}

type testAlloc struct {
	next Frame
}

func (a *testAlloc) AllocFrame() (Frame, error) {
	f := a.next
	a.next++
	return f, nil
}

func TestPageFrameConversions(t *testing.T) {
	if exp, got := uint32(0x123000), Frame(0x123).Address(); exp != got {
		t.Errorf("expected frame address 0x%x; got 0x%x", exp, got)
	}
	if exp, got := Frame(0x123), FrameFromAddress(0x123fff); exp != got {
		t.Errorf("expected frame 0x%x; got 0x%x", exp, got)
	}
	if exp, got := Page(0x456), PageFromAddress(0x456001); exp != got {
		t.Errorf("expected page 0x%x; got 0x%x", exp, got)
	}
	if exp, got := KernBase+0x1234, KernAddr(0x1234); exp != got {
		t.Errorf("expected kernel alias 0x%x; got 0x%x", exp, got)
	}
}

func TestEntryFlags(t *testing.T) {
	var e Entry

	e.SetFlags(FlagPresent | FlagWritable)
	if !e.HasFlags(FlagPresent | FlagWritable) {
		t.Error("expected entry to have present and writable flags")
	}
	if e.HasFlags(FlagUser) {
		t.Error("expected user flag to be unset")
	}

	e.ClearFlags(FlagWritable)
	if e.HasFlags(FlagWritable) {
		t.Error("expected writable flag to be cleared")
	}
	if !e.HasFlags(FlagPresent) {
		t.Error("expected present flag to survive the clear")
	}
}

func TestEntryFrame(t *testing.T) {
	var e Entry
	e.SetFlags(FlagPresent | FlagDirty)
	e.SetFrame(Frame(0xabcde))

	if exp, got := Frame(0xabcde), e.Frame(); exp != got {
		t.Errorf("expected frame 0x%x; got 0x%x", exp, got)
	}
	if !e.HasFlags(FlagPresent | FlagDirty) {
		t.Error("expected flags to survive SetFrame")
	}

	e.SetFrame(Frame(0x11111))
	if exp, got := Frame(0x11111), e.Frame(); exp != got {
		t.Errorf("expected frame 0x%x after rewrite; got 0x%x", exp, got)
	}
}

func TestWalkWithoutCreate(t *testing.T) {
	store := newTestStore()
	as, err := NewAddrSpace(store, &testAlloc{next: 1})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := as.Walk(0x400000, false); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped; got %v", err)
	}
}

func TestWalkCreatesPageTable(t *testing.T) {
	store := newTestStore()
	alloc := &testAlloc{next: 1}
	as, err := NewAddrSpace(store, alloc)
	if err != nil {
		t.Fatal(err)
	}

	ref, err := as.Walk(0x400000, true)
	if err != nil {
		t.Fatal(err)
	}

	// The directory slot for 0x400000 (index 1) must now point to the
	// freshly allocated table.
	dirEntry := Entry(store.Word(as.Root().Address() + 1*WordSize))
	if !dirEntry.HasFlags(FlagPresent | FlagWritable) {
		t.Error("expected directory entry to be present and writable")
	}

	// The leaf slot is still empty; storing through the ref must land in
	// the new table.
	var e Entry
	e.SetFrame(Frame(0x42))
	e.SetFlags(FlagPresent)
	ref.Store(e)

	if got := Entry(store.Word(dirEntry.Frame().Address())); got != e {
		t.Errorf("expected leaf entry 0x%x in table; got 0x%x", e, got)
	}

	// A second walk over the same address must not allocate again.
	before := alloc.next
	if _, err := as.Walk(0x400ffc, true); err != nil {
		t.Fatal(err)
	}
	if alloc.next != before {
		t.Error("expected second walk to reuse the existing page table")
	}
}

func TestMapAndTranslate(t *testing.T) {
	store := newTestStore()
	as, err := NewAddrSpace(store, &testAlloc{next: 1})
	if err != nil {
		t.Fatal(err)
	}

	if err := as.Map(PageFromAddress(0x400000), Frame(0x42), FlagPresent|FlagWritable); err != nil {
		t.Fatal(err)
	}

	pa, err := as.Translate(0x400123)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uint32(0x42<<PageShift | 0x123); pa != exp {
		t.Errorf("expected physical address 0x%x; got 0x%x", exp, pa)
	}

	if _, err := as.Translate(0x500000); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped for unmapped address; got %v", err)
	}
}

func TestTranslateNonPresentEntry(t *testing.T) {
	store := newTestStore()
	as, err := NewAddrSpace(store, &testAlloc{next: 1})
	if err != nil {
		t.Fatal(err)
	}

	// Installing a non-present entry creates the table but leaves the page
	// unmapped.
	if err := as.Map(PageFromAddress(0x400000), Frame(0x42), FlagWritable); err != nil {
		t.Fatal(err)
	}
	if _, err := as.Translate(0x400000); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped for non-present entry; got %v", err)
	}
}

func TestKernelImageFootprint(t *testing.T) {
	img := KernelImage{Entry: KernBase + 0x1000, End: KernBase + 0x1000 + 3*1024 + 1}
	if exp, got := uint32(4), img.Footprint(); exp != got {
		t.Errorf("expected footprint of %dKB; got %dKB", exp, got)
	}
}
