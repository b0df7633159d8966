// Package paging implements the 4-level page-table walker, address-space
// management, and copy-on-write (COW) clone/repair machinery of spec §4.C.
//
// Grounded on two reference files: internal/hv/kvm/kvm_amd64.go supplies the
// x86-64 PML4/PDPT/PD/PT bit layout (present/writable/user/no-execute
// constants, the GPA-to-host-byte-offset translation idiom used here as
// frameMask); internal/hv/riscv/rv64/mmu.go supplies the walk/TLB-miss
// shape (Translate as the single entry point, a walk helper, and
// permission checking split out of the walk itself).
package paging

import (
	"fmt"

	"github.com/eclipse-os/core/internal/pmm"
)

// Page-table entry flag bits. Present/Writable/User/NoExecute are the
// architectural x86-64 bits; COW is the one OS-available bit the core
// reserves (§3, "Page table").
const (
	Present   = 1 << 0
	Writable  = 1 << 1
	User      = 1 << 2
	COW       = 1 << 9  // OS-available bit, reserved for copy-on-write
	NoExecute = 1 << 63

	frameMask = 0x000F_FFFF_FFFF_F000 // bits 12..51

	entriesPerTable = 512
	entryBytes      = 8
	tableBytes      = entriesPerTable * entryBytes

	// KernelSplit is the PML4 index at which the upper half (kernel space,
	// sign-extended canonical addresses) begins. Every address space
	// shares entries KernelSplit..511 by pointer (§3, "Address space").
	KernelSplit = 256
)

// Flags is the set of bits a caller passes to Map; it excludes Present,
// which Map always sets, and the frame address, which is a separate
// argument.
type Flags uint64

// ErrProtection marks a page fault that has nothing to do with COW: a
// genuine write to a read-only, non-COW mapping, or a reference to an
// unmapped address. Per §4.C.3 / §4.D.3 this is fatal to the process.
var ErrProtection = fmt.Errorf("paging: protection violation")

// Space is one address space: a top-level (PML4) table plus the physical
// page manager that backs every frame it references. Every process owns
// one Space exclusively for its lower half; the upper half is installed by
// NewSpace from a shared kernel template and never mutated per-process.
type Space struct {
	pm         *pmm.Manager
	Root       pmm.Frame
	kernelRoot pmm.Frame // template whose upper half every Space copies
}

// NewKernelSpace allocates and zeroes a fresh top-level table with no
// kernel mappings installed yet; callers fill in KernelSplit..511 via Map
// with virt addresses in the upper half, then pass the resulting Space to
// NewSpace as every process's kernel template.
func NewKernelSpace(pm *pmm.Manager) (*Space, error) {
	root := pm.Allocate()
	if root == pmm.Invalid {
		return nil, fmt.Errorf("paging: out of frames allocating kernel top-level table")
	}
	pm.Zero(root)
	return &Space{pm: pm, Root: root, kernelRoot: root}, nil
}

// NewSpace allocates a fresh per-process address space whose upper half
// (kernel space) entries are copied by pointer from tmpl — the same
// lower-level tables are referenced, never duplicated, so a write to
// kernel memory through any process's mapping is visible to all of them,
// matching §3's "kernel-space entries are shared by pointer".
func NewSpace(pm *pmm.Manager, tmpl *Space) (*Space, error) {
	root := pm.Allocate()
	if root == pmm.Invalid {
		return nil, fmt.Errorf("paging: out of frames allocating top-level table")
	}
	pm.Zero(root)
	s := &Space{pm: pm, Root: root, kernelRoot: tmpl.kernelRoot}

	srcEntries := readTable(pm, tmpl.Root)
	dstEntries := readTable(pm, root)
	copy(dstEntries[KernelSplit:], srcEntries[KernelSplit:])
	writeTable(pm, root, dstEntries)

	return s, nil
}

func readTable(pm *pmm.Manager, f pmm.Frame) [entriesPerTable]uint64 {
	var out [entriesPerTable]uint64
	b := pm.Bytes(f)
	for i := 0; i < entriesPerTable; i++ {
		out[i] = leU64(b[i*entryBytes:])
	}
	return out
}

func writeTable(pm *pmm.Manager, f pmm.Frame, t [entriesPerTable]uint64) {
	b := pm.Bytes(f)
	for i := 0; i < entriesPerTable; i++ {
		putLeU64(b[i*entryBytes:], t[i])
	}
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func levelIndices(virt uint64) [4]int {
	return [4]int{
		int((virt >> 39) & 0x1FF),
		int((virt >> 30) & 0x1FF),
		int((virt >> 21) & 0x1FF),
		int((virt >> 12) & 0x1FF),
	}
}

// walk descends the four levels toward virt, allocating intermediate nodes
// on the way when alloc is true (§4.C.1). It returns the physical frame of
// the leaf-level table and the index within it where virt's PTE lives.
func (s *Space) walk(virt uint64, alloc bool) (table pmm.Frame, index int, ok bool) {
	idx := levelIndices(virt)
	cur := s.Root

	for level := 0; level < 3; level++ {
		entries := readTable(s.pm, cur)
		e := entries[idx[level]]
		if e&Present == 0 {
			if !alloc {
				return 0, 0, false
			}
			child := s.pm.Allocate()
			if child == pmm.Invalid {
				return 0, 0, false
			}
			s.pm.Zero(child)
			perms := uint64(Present | Writable)
			if virt < (uint64(1) << 47) {
				perms |= User
			}
			entries[idx[level]] = (uint64(child) & frameMask) | perms
			writeTable(s.pm, cur, entries)
			cur = child
		} else {
			cur = pmm.Frame(e & frameMask)
		}
	}

	return cur, idx[3], true
}

// Map installs a leaf entry mapping virt to frame with the given flags,
// allocating any missing intermediate table nodes (§4.C.1).
func (s *Space) Map(virt uint64, frame pmm.Frame, flags Flags) error {
	table, index, ok := s.walk(virt, true)
	if !ok {
		return fmt.Errorf("paging: out of frames mapping %#x", virt)
	}
	entries := readTable(s.pm, table)
	entries[index] = (uint64(frame) & frameMask) | uint64(flags) | Present
	writeTable(s.pm, table, entries)
	return nil
}

// Unmap removes the leaf entry for virt, if present. TLB invalidation for
// the single address is modeled by invalidateAddr; see its doc comment.
func (s *Space) Unmap(virt uint64) {
	table, index, ok := s.walk(virt, false)
	if !ok {
		return
	}
	entries := readTable(s.pm, table)
	entries[index] = 0
	writeTable(s.pm, table, entries)
	s.invalidateAddr(virt)
}

// Translate is a pure walk: it never allocates and never mutates state. It
// backs both the COW fault handler and userland-pointer validation in the
// syscall layer (§4.G.4).
func (s *Space) Translate(virt uint64) (frame pmm.Frame, flags Flags, ok bool) {
	table, index, walked := s.walk(virt, false)
	if !walked {
		return 0, 0, false
	}
	entries := readTable(s.pm, table)
	e := entries[index]
	if e&Present == 0 {
		return 0, 0, false
	}
	return pmm.Frame(e & frameMask), Flags(e &^ frameMask), true
}

// invalidateAddr models a per-address TLB invalidation (invlpg). A hosted
// core has no real TLB, so this is a no-op kept as a named call site to
// preserve the shape of the spec's invalidation discipline (§4.C, §4.F.2).
func (s *Space) invalidateAddr(virt uint64) {}

// Clone produces a COW clone of s's user-space mappings (§4.C.2), used by
// fork. Kernel-space entries are shared by pointer with the parent (they
// already are, by construction of NewSpace); only the user half (PML4
// indices below KernelSplit) is walked and duplicated.
func (s *Space) Clone() (*Space, error) {
	root := s.pm.Allocate()
	if root == pmm.Invalid {
		return nil, fmt.Errorf("paging: out of frames cloning address space")
	}
	s.pm.Zero(root)
	clone := &Space{pm: s.pm, Root: root, kernelRoot: s.kernelRoot}

	srcTop := readTable(s.pm, s.Root)
	dstTop := readTable(s.pm, root)
	copy(dstTop[KernelSplit:], srcTop[KernelSplit:])
	writeTable(s.pm, root, dstTop)

	for i := 0; i < KernelSplit; i++ {
		if srcTop[i]&Present == 0 {
			continue
		}
		if err := s.cloneLevel(clone, srcTop[i], 1, uint64(i)<<39); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

// cloneLevel recursively descends the source hierarchy purely to find leaf
// (page-table) nodes and their base virtual address; it builds nothing in
// the clone itself; that happens bottom-up in cloneLeafLevel/attachLeaf so
// that no intermediate directory node is ever allocated and then discarded.
func (s *Space) cloneLevel(clone *Space, srcEntry uint64, depth int, baseVirt uint64) error {
	srcTableFrame := pmm.Frame(srcEntry & frameMask)
	srcEntries := readTable(s.pm, srcTableFrame)

	if depth == 3 {
		// This level is the leaf (page-table) level: entries map data
		// frames directly, not further tables.
		return s.cloneLeafLevel(clone, srcTableFrame, srcEntries, baseVirt)
	}

	shift := uint(39 - 9*depth)
	for i := 0; i < entriesPerTable; i++ {
		if srcEntries[i]&Present == 0 {
			continue
		}
		childVirt := baseVirt | (uint64(i) << shift)
		if err := s.cloneLevel(clone, srcEntries[i], depth+1, childVirt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Space) cloneLeafLevel(clone *Space, srcTableFrame pmm.Frame, srcEntries [entriesPerTable]uint64, baseVirt uint64) error {
	dstTableFrame := clone.pm.Allocate()
	if dstTableFrame == pmm.Invalid {
		return fmt.Errorf("paging: out of frames cloning address space")
	}
	clone.pm.Zero(dstTableFrame)
	dstEntries := readTable(clone.pm, dstTableFrame)
	srcDirty := false

	for i := 0; i < entriesPerTable; i++ {
		e := srcEntries[i]
		if e&Present == 0 {
			continue
		}
		frame := pmm.Frame(e & frameMask)
		flags := e &^ frameMask

		if e&Writable != 0 {
			// Formerly-writable leaf: clear writable, set COW, on BOTH
			// the source and the clone, and bump the frame's refcount by
			// one for the new mapping (§4.C.2).
			flags = (flags &^ uint64(Writable)) | uint64(COW)
			srcEntries[i] = (uint64(frame) & frameMask) | flags
			srcDirty = true
			clone.pm.IncrementRefcount(frame)
		} else {
			clone.pm.IncrementRefcount(frame)
		}
		dstEntries[i] = (uint64(frame) & frameMask) | flags
	}

	if srcDirty {
		writeTable(s.pm, srcTableFrame, srcEntries)
	}
	writeTable(clone.pm, dstTableFrame, dstEntries)

	return clone.attachLeaf(baseVirt, dstTableFrame)
}

// attachLeaf walks clone's own hierarchy from the root, allocating any
// directory/pointer-table nodes it needs, and installs dstTableFrame as the
// page-table (leaf-parent) node for baseVirt. This is the clone-side
// counterpart to the source-side descent in cloneLevel, and is
// what actually links each cloned subtree into the new top-level table.
func (clone *Space) attachLeaf(baseVirt uint64, leafTable pmm.Frame) error {
	idx := levelIndices(baseVirt)
	cur := clone.Root

	for level := 0; level < 2; level++ {
		entries := readTable(clone.pm, cur)
		e := entries[idx[level]]
		if e&Present == 0 {
			child := clone.pm.Allocate()
			if child == pmm.Invalid {
				return fmt.Errorf("paging: out of frames attaching cloned subtree")
			}
			clone.pm.Zero(child)
			entries[idx[level]] = (uint64(child) & frameMask) | Present | Writable | User
			writeTable(clone.pm, cur, entries)
			cur = child
		} else {
			cur = pmm.Frame(e & frameMask)
		}
	}

	entries := readTable(clone.pm, cur)
	entries[idx[2]] = (uint64(leafTable) & frameMask) | Present | Writable | User
	writeTable(clone.pm, cur, entries)
	return nil
}

// HandleFault implements the copy-on-write repair procedure of §4.C.3. The
// page-fault handler (Kernel.HandlePageFault) calls it for every fault;
// HandleFault itself checks whether the faulting leaf has the COW bit set.
//
// Returns ErrProtection if the leaf is not COW (a genuine protection
// violation, fatal to the process per §4.D.3), or a plain error if frame
// allocation fails in the refcount>1 branch (also fatal per §4.C.3).
func (s *Space) HandleFault(virt uint64) error {
	table, index, ok := s.walk(virt, false)
	if !ok {
		return ErrProtection
	}
	entries := readTable(s.pm, table)
	e := entries[index]
	if e&Present == 0 || e&COW == 0 {
		return ErrProtection
	}

	frame := pmm.Frame(e & frameMask)
	flags := e &^ frameMask

	if s.pm.GetRefcount(frame) == 1 {
		// Sole owner: no copy needed, just promote the mapping.
		flags = (flags &^ uint64(COW)) | uint64(Writable)
		entries[index] = (uint64(frame) & frameMask) | flags
		writeTable(s.pm, table, entries)
		s.invalidateAddr(virt)
		return nil
	}

	newFrame := s.pm.Allocate()
	if newFrame == pmm.Invalid {
		return fmt.Errorf("paging: out of frames repairing COW fault at %#x", virt)
	}
	s.pm.CopyPage(newFrame, frame)
	s.pm.DecrementRefcount(frame) // cannot reach zero: refcount was > 1

	flags = (flags &^ uint64(COW)) | uint64(Writable)
	entries[index] = (uint64(newFrame) & frameMask) | flags
	writeTable(s.pm, table, entries)
	s.invalidateAddr(virt)
	return nil
}

// Destroy releases every user-space data frame and page-table node owned
// exclusively by s (execve's step 5, and process exit). Kernel-space nodes,
// shared by pointer with every other Space, are left untouched.
func (s *Space) Destroy() {
	top := readTable(s.pm, s.Root)
	for i := 0; i < KernelSplit; i++ {
		if top[i]&Present == 0 {
			continue
		}
		s.destroyLevel(pmm.Frame(top[i]&frameMask), 1)
	}
	s.pm.Free(s.Root)
}

func (s *Space) destroyLevel(table pmm.Frame, depth int) {
	entries := readTable(s.pm, table)
	for i := 0; i < entriesPerTable; i++ {
		e := entries[i]
		if e&Present == 0 {
			continue
		}
		frame := pmm.Frame(e & frameMask)
		if depth == 3 {
			if s.pm.DecrementRefcount(frame) {
				s.pm.Free(frame)
			}
			continue
		}
		s.destroyLevel(frame, depth+1)
	}
	s.pm.Free(table)
}
