package kernel

import (
	"bytes"
	"testing"

	"github.com/eclipse-os/core/internal/bundle"
	"github.com/eclipse-os/core/internal/errno"
	"github.com/eclipse-os/core/internal/ipcrouter"
	"github.com/eclipse-os/core/internal/paging"
	"github.com/eclipse-os/core/internal/serial"
)

func newTestKernel(t *testing.T, sinkBuf *bytes.Buffer) *Kernel {
	t.Helper()
	reg, err := bundle.NewRegistry(&bundle.Manifest{Version: 1}, func(string) ([]byte, bool) { return nil, false })
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	var sink serial.Sink
	if sinkBuf != nil {
		sink = serial.NewHostSink(sinkBuf)
	} else {
		sink = serial.NewHostSink(&bytes.Buffer{})
	}
	k, err := New(Config{RAMFrames: 256, Sink: sink, Services: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func newTestSpace(t *testing.T, k *Kernel) *paging.Space {
	t.Helper()
	space, err := paging.NewSpace(k.pmm, k.kernelSpace)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	return space
}

// TestHelloWorldScenario implements §8 scenario 1.
func TestHelloWorldScenario(t *testing.T) {
	var out bytes.Buffer
	k := newTestKernel(t, &out)
	space := newTestSpace(t, k)

	k.BootInit(space, 0x4000_0000, 0x7FFF_FFFF_F000, func(api *UserAPI) {
		if _, err := api.Write(1, []byte("hello\n")); err != nil {
			api.Exit(1)
			return
		}
		api.Exit(0)
	})

	k.RunLoop(1000)

	if out.String() != "hello\n" {
		t.Fatalf("serial output = %q, want %q", out.String(), "hello\n")
	}
	if got := k.PCB(1).State; got != StateZombie {
		t.Fatalf("pid 1 state = %v, want Zombie", got)
	}
	if k.PCB(1).ExitCode != 0 {
		t.Fatalf("pid 1 exit code = %d, want 0", k.PCB(1).ExitCode)
	}
}

// TestForkCOWIsolation implements §8 scenario 2 and the COW round-trip law.
func TestForkCOWIsolation(t *testing.T) {
	k := newTestKernel(t, nil)
	space := newTestSpace(t, k)

	const dataAddr = 0x5000_0000
	frame := k.pmm.Allocate()
	k.pmm.Zero(frame)
	if err := space.Map(dataAddr, frame, paging.Writable|paging.User); err != nil {
		t.Fatalf("Map: %v", err)
	}

	var (
		childPid     uint32
		waitPid      uint32
		waitStatus   uint8
		waitErr      error
		parentOldVal byte
	)

	k.BootInit(space, 0x4000_0000, 0x7FFF_FFFF_F000, func(api *UserAPI) {
		if !api.Poke(dataAddr, []byte{0x41}) {
			t.Errorf("parent Poke failed")
		}

		pid, err := api.Fork(func(child *UserAPI) {
			child.Fault(dataAddr) // COW repair: private copy for the child
			if !child.Poke(dataAddr, []byte{0x42}) {
				t.Errorf("child Poke failed")
			}
			child.Exit(7)
		})
		if err != nil {
			t.Errorf("Fork: %v", err)
			api.Exit(1)
			return
		}
		childPid = pid

		waitPid, waitStatus, waitErr = api.Wait(false)
		parentOldVal = api.Peek(dataAddr, 1)[0]
		api.Exit(0)
	})

	k.RunLoop(1000)

	if waitErr != nil {
		t.Fatalf("Wait: %v", waitErr)
	}
	if waitPid != childPid {
		t.Fatalf("Wait returned pid %d, want child pid %d", waitPid, childPid)
	}
	if waitStatus != 7 {
		t.Fatalf("Wait returned status %d, want 7", waitStatus)
	}
	if parentOldVal != 0x41 {
		t.Fatalf("parent observed %#x at shared address after child's write, want 0x41 (COW isolation broken)", parentOldVal)
	}
}

// TestIPCPingScenario implements §8 scenario 3.
func TestIPCPingScenario(t *testing.T) {
	k := newTestKernel(t, nil)
	space := newTestSpace(t, k)

	const serverID = ipcrouter.ServerID(2)
	k.RegisterServer(serverID, 1)

	var (
		senderPid uint32
		payload   []byte
	)

	k.BootInit(space, 0x4000_0000, 0x7FFF_FFFF_F000, func(api *UserAPI) {
		_, err := api.Fork(func(child *UserAPI) {
			if err := child.Send(serverID, []byte{0x01, 0x02, 0x03}); err != nil {
				t.Errorf("Send: %v", err)
			}
			child.Exit(0)
		})
		if err != nil {
			t.Errorf("Fork: %v", err)
			api.Exit(1)
			return
		}

		senderPid, payload = api.Receive(serverID, 16)
		api.Exit(0)
	})

	k.RunLoop(1000)

	if senderPid != 2 {
		t.Fatalf("Receive sender pid = %d, want 2 (the forked child)", senderPid)
	}
	if !bytes.Equal(payload, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("Receive payload = %v, want [1 2 3]", payload)
	}
}

// TestZombieReapingScenario implements §8 scenario 5.
func TestZombieReapingScenario(t *testing.T) {
	k := newTestKernel(t, nil)
	space := newTestSpace(t, k)

	type result struct {
		pid    uint32
		status uint8
	}
	var results []result

	k.BootInit(space, 0x4000_0000, 0x7FFF_FFFF_F000, func(api *UserAPI) {
		children := make([]uint32, 0, 5)
		for i := 0; i < 5; i++ {
			code := uint8(i)
			pid, err := api.Fork(func(child *UserAPI) {
				child.Exit(code)
			})
			if err != nil {
				t.Errorf("Fork %d: %v", i, err)
				api.Exit(1)
				return
			}
			children = append(children, pid)
		}

		for i := 0; i < 5; i++ {
			pid, status, err := api.Wait(false)
			if err != nil {
				t.Errorf("Wait %d: %v", i, err)
			}
			results = append(results, result{pid, status})
		}
		api.Exit(0)
	})

	k.RunLoop(1000)

	if len(results) != 5 {
		t.Fatalf("got %d wait results, want 5", len(results))
	}
	seen := map[uint32]uint8{}
	for _, r := range results {
		seen[r.pid] = r.status
	}
	for i := 0; i < 5; i++ {
		pid := uint32(2 + i)
		status, ok := seen[pid]
		if !ok {
			t.Fatalf("child pid %d never reaped", pid)
		}
		if status != uint8(i) {
			t.Fatalf("child pid %d exit status = %d, want %d", pid, status, i)
		}
	}
	// pid 1 itself is still alive (about to exit) when the fifth wait
	// returns, so "five fewer used slots" (§8 scenario 5) lands on 1 (pid
	// 1 alone), not 0.
	if k.Used() != 1 {
		t.Fatalf("process table used slots = %d, want 1 (only pid 1 left) after all five reaped", k.Used())
	}
}

// TestPreemptionFairnessScenario implements §8 scenario 4: two CPU-bound
// children spinning forever must each get a round-robin-fair share of turns,
// exercising Scheduler.OnTick/QuantumTicks via UserAPI.CheckPreempt, the only
// call site §4.F.3 preemption has.
func TestPreemptionFairnessScenario(t *testing.T) {
	k := newTestKernel(t, nil)
	space := newTestSpace(t, k)

	var countA, countB int

	k.BootInit(space, 0x4000_0000, 0x7FFF_FFFF_F000, func(api *UserAPI) {
		if _, err := api.Fork(func(child *UserAPI) {
			for {
				countA++
				child.CheckPreempt()
			}
		}); err != nil {
			t.Errorf("Fork A: %v", err)
			api.Exit(1)
			return
		}
		if _, err := api.Fork(func(child *UserAPI) {
			for {
				countB++
				child.CheckPreempt()
			}
		}); err != nil {
			t.Errorf("Fork B: %v", err)
			api.Exit(1)
			return
		}
		// Neither child ever exits, so this blocks forever: it exists only
		// to get pid 1 out of the ready queue so A and B are the sole
		// contenders for the scheduler's round robin.
		api.Wait(false)
	})

	k.RunLoop(101) // 1 turn to fork+block, then 100 alternating turns: 50 each

	if countA == 0 || countB == 0 {
		t.Fatalf("both children must have run: countA=%d countB=%d", countA, countB)
	}
	diff := countA - countB
	if diff < 0 {
		diff = -diff
	}
	max := countA
	if countB > max {
		max = countB
	}
	if float64(diff) > 0.2*float64(max) {
		t.Fatalf("round-robin unfair: countA=%d countB=%d (%.1f%% of max, want <=20%%)", countA, countB, 100*float64(diff)/float64(max))
	}
}

// TestBadPointerScenario implements §8 scenario 6, routed through Dispatch
// so pointer validation (§4.G.4) actually runs.
func TestBadPointerScenario(t *testing.T) {
	var out bytes.Buffer
	k := newTestKernel(t, &out)
	space := newTestSpace(t, k)

	var ret int64
	k.BootInit(space, 0x4000_0000, 0x7FFF_FFFF_F000, func(api *UserAPI) {
		ret = k.Dispatch(api, SysWrite, Args{A0: 1, A1: 0xDEADBEEF00000000, A2: 16})
		api.Exit(0)
	})

	k.RunLoop(1000)

	if ret != errno.EFAULT.Negative() {
		t.Fatalf("Dispatch(write, bad ptr) = %d, want %d (EFAULT)", ret, errno.EFAULT.Negative())
	}
	if out.Len() != 0 {
		t.Fatalf("serial received %d bytes, want 0 (bad pointer must write nothing)", out.Len())
	}
	if k.PCB(1).State == StateZombie && k.PCB(1).ExitCode != 0 {
		t.Fatalf("process did not continue after EFAULT: exit code %d", k.PCB(1).ExitCode)
	}
}
