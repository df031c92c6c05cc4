package target

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kmon/kmon/pkg/mm"
	"github.com/go-kmon/kmon/pkg/trap"
)

const testMemSize = 8 << 20

func testMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(testMemSize)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func expectFault(t *testing.T, addr uint32, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		f, ok := r.(*Fault)
		if !ok {
			t.Fatalf("expected a Fault panic; got %v", r)
		}
		if f.Addr != addr {
			t.Errorf("expected fault at 0x%08x; got 0x%08x", addr, f.Addr)
		}
	}()
	fn()
}

func TestMemoryWordRoundTrip(t *testing.T) {
	mem := NewMemory(mm.PageSize)

	mem.SetWord(0x10, 0xdeadbeef)
	if got := mem.Word(0x10); got != 0xdeadbeef {
		t.Errorf("expected 0xdeadbeef; got 0x%08x", got)
	}
}

func TestMemoryLittleEndian(t *testing.T) {
	mem := NewMemory(mm.PageSize)

	if err := mem.Load(0, []byte{0x78, 0x56, 0x34, 0x12}); err != nil {
		t.Fatal(err)
	}
	if got := mem.Word(0); got != 0x12345678 {
		t.Errorf("expected 0x12345678; got 0x%08x", got)
	}
}

func TestMemoryFaultsOutOfRange(t *testing.T) {
	mem := NewMemory(mm.PageSize)

	expectFault(t, mm.PageSize, func() { mem.Word(mm.PageSize) })
	// An address so high that adding the word size wraps around.
	expectFault(t, 0xfffffffe, func() { mem.Word(0xfffffffe) })
}

func TestMemoryLoadTooLarge(t *testing.T) {
	mem := NewMemory(mm.PageSize)

	if err := mem.Load(mm.PageSize-2, []byte{1, 2, 3, 4}); err == nil {
		t.Error("expected an oversized load to fail")
	}
}

func TestBumpAllocatorExhaustion(t *testing.T) {
	alloc := NewBumpAllocator(10, 12)

	for _, exp := range []mm.Frame{10, 11} {
		f, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		if f != exp {
			t.Errorf("expected frame %d; got %d", exp, f)
		}
	}
	if _, err := alloc.AllocFrame(); err == nil {
		t.Error("expected allocation past the limit to fail")
	}
}

func TestNewRejectsTinyMemory(t *testing.T) {
	if _, err := New(1 << 20); err == nil {
		t.Error("expected a machine without room for the allocator to fail")
	}
}

func TestMachineAliasesPhysicalMemory(t *testing.T) {
	m := testMachine(t)

	m.Mem.SetWord(0x1234, 0xcafebabe)
	if got := m.VirtWord(mm.KernAddr(0x1234)); got != 0xcafebabe {
		t.Errorf("expected the kernel alias to read back 0xcafebabe; got 0x%08x", got)
	}
	if got := m.PhysWord(0x1234); got != 0xcafebabe {
		t.Errorf("expected the physical read to return 0xcafebabe; got 0x%08x", got)
	}
}

func TestVirtWordFaultsOnUnmapped(t *testing.T) {
	m := testMachine(t)

	// Only the kernel alias window is mapped; low virtual addresses fault.
	expectFault(t, 0x1000, func() { m.VirtWord(0x1000) })
}

// walkChain follows the saved frame pointer chain the way backtrace does and
// returns the return addresses it encounters.
func walkChain(m *Machine, fp uint32) []uint32 {
	var rets []uint32
	for fp != 0 && len(rets) < 16 {
		rets = append(rets, m.VirtWord(fp+4))
		fp = m.VirtWord(fp)
	}
	return rets
}

func TestBootStackChain(t *testing.T) {
	m := testMachine(t)

	rets := walkChain(m, m.BootEBP)
	if len(rets) != 3 {
		t.Fatalf("expected a 3 frame boot chain; got %d frames", len(rets))
	}

	for i, fn := range []string{"monitor", "kern_init", "entry"} {
		loc, ok := m.Syms.PCToLocation(rets[i])
		if !ok {
			t.Fatalf("frame %d: return address 0x%08x has no symbol", i, rets[i])
		}
		if loc.Func != fn {
			t.Errorf("frame %d: expected return into %s; got %s", i, fn, loc.Func)
		}
	}
}

func TestSpawnTrapped(t *testing.T) {
	m := testMachine(t)

	tf := m.SpawnTrapped()
	if tf.Trapno != trap.TBrkpt {
		t.Errorf("expected a breakpoint trap; got vector %d", tf.Trapno)
	}
	if m.CurProc == nil || m.CurProc.State != ProcTrapped {
		t.Fatal("expected a current process in the trapped state")
	}
	if m.CurProc.TF != tf {
		t.Error("expected the process to carry the returned trap frame")
	}

	if loc, ok := m.Syms.PCToLocation(tf.EIP); !ok || loc.Func != "sched_yield" {
		t.Errorf("expected the trap to land in sched_yield; got %+v", loc)
	}

	rets := walkChain(m, tf.EBP)
	if len(rets) != 2 {
		t.Fatalf("expected a 2 frame process chain; got %d frames", len(rets))
	}
	for i, fn := range []string{"trap_dispatch", "monitor"} {
		if loc, ok := m.Syms.PCToLocation(rets[i]); !ok || loc.Func != fn {
			t.Errorf("frame %d: expected return into %s; got %+v", i, fn, loc)
		}
	}
}

func TestResume(t *testing.T) {
	m := testMachine(t)

	if err := m.Resume(&trap.Frame{}); err == nil {
		t.Error("expected resume without a current process to fail")
	}

	tf := m.SpawnTrapped()
	if err := m.Resume(tf); err != nil {
		t.Fatal(err)
	}
	if m.CurProc.State != ProcRunning {
		t.Error("expected the process to be running after resume")
	}
}

func TestLoadImage(t *testing.T) {
	m := testMachine(t)

	path := filepath.Join(os.TempDir(), "kmon-test-image")
	if err := ioutil.WriteFile(path, []byte{0xef, 0xbe, 0xad, 0xde}, 0644); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(path)

	if err := m.LoadImage(path); err != nil {
		t.Fatal(err)
	}
	if got := m.PhysWord(imageStart); got != 0xdeadbeef {
		t.Errorf("expected the image bytes at the load address; got 0x%08x", got)
	}

	if err := m.LoadImage(filepath.Join(os.TempDir(), "kmon-no-such-image")); err == nil {
		t.Error("expected loading a missing image to fail")
	}
}
