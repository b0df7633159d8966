// Package ipcrouter implements the bounded-mailbox message router of spec
// §4.H: one FIFO mailbox per registered server, rendezvous with blocked
// receivers, and FIFO-among-blocked-senders wakeup when a server drains its
// mailbox.
//
// Grounded on internal/ipc/server.go and internal/ipc/client.go from the
// reference hypervisor: the Mux/Handler split there (a dispatch table keyed
// by message type, a single synchronous request/response turn per
// connection) is mirrored here as a dispatch table keyed by server id, with
// "connection" replaced by "mailbox" since there is no real socket — sender
// and receiver are both in-kernel PCBs, not external libcc clients.
package ipcrouter

import (
	"fmt"
)

const (
	// DefaultCapacity is the number of messages a mailbox can hold before
	// senders start blocking (§4.H.1).
	DefaultCapacity = 64
	// MaxPayload is the largest message body the router accepts (§4.H,
	// design notes: "the mailbox payload bound (~256 bytes)").
	MaxPayload = 256
)

// ServerID names a registered mailbox owner. It is a small integer chosen
// by convention between cooperating userland services (e.g. the filesystem
// service registers as 2 in scenario 3 of §8); the core does not police the
// numbering beyond uniqueness.
type ServerID uint32

// Message is one queued mailbox entry: a payload plus the pid that sent it,
// used so the receiver can reply without an extra syscall round-trip.
type Message struct {
	SenderPid uint32
	Payload   []byte
}

// Waker lets the router drive process-table state transitions without
// importing the process/scheduler package, breaking what would otherwise be
// an import cycle (kernel already imports ipcrouter). The kernel package
// implements Waker and is the only caller of New.
type Waker interface {
	// WakeReceiver moves the PCB blocked on "message arrived for server
	// id" back to Ready, if one exists.
	WakeReceiver(id ServerID)
	// WakeOneSender moves the longest-waiting PCB blocked on "space in
	// server id's mailbox" back to Ready, if one exists.
	WakeOneSender(id ServerID)
}

type mailbox struct {
	owner     uint32 // pid of the registered server
	queue     []Message
	capacity  int
	// blockedSenders records pids in FIFO arrival order so PopOldestSender
	// can report "who wakes next"; actual
	// blocking/waking of the PCB itself happens in the kernel package via
	// Waker, this just preserves the ordering guarantee of §4.H.2.
	blockedSenders []uint32
}

// Router owns every registered server's mailbox. All methods are safe to
// call only from kernel code already holding the interrupts-disabled
// critical section discipline described in spec §5 — like the process
// table and scheduler, the router is single-CPU shared state, not
// internally locked.
type Router struct {
	mailboxes map[ServerID]*mailbox
	waker     Waker
}

// New creates an empty router. waker may be nil in tests that only check
// queuing behavior and never need wakeups delivered.
func New(waker Waker) *Router {
	return &Router{
		mailboxes: make(map[ServerID]*mailbox),
		waker:     waker,
	}
}

// Register creates a mailbox for id owned by ownerPid. Re-registering an id
// replaces its mailbox, which is only safe to do before any client has
// learned the id; the core does not protect against a malicious re-register.
func (r *Router) Register(id ServerID, ownerPid uint32) {
	r.mailboxes[id] = &mailbox{
		owner:    ownerPid,
		capacity: DefaultCapacity,
	}
}

// Unregister drops id's mailbox entirely, used when its owning server
// process exits (§4.H.3 — no cancellation for in-flight rendezvous, but a
// terminated server's mailbox has no further meaning).
func (r *Router) Unregister(id ServerID) {
	delete(r.mailboxes, id)
}

// SendResult reports what Send actually did, so the syscall layer knows
// whether to block the caller.
type SendResult int

const (
	// SendQueued means the message was placed in the mailbox (the
	// receiver may or may not have been blocked waiting for it).
	SendQueued SendResult = iota
	// SendWouldBlock means the mailbox is full; the caller must be
	// transitioned to Blocked by the kernel package and retried once
	// WakeOneSender fires.
	SendWouldBlock
)

// Send attempts to deliver payload to server id's mailbox on behalf of
// senderPid (§4.H.1). It never blocks itself — SendWouldBlock tells the
// caller to do that.
func (r *Router) Send(id ServerID, senderPid uint32, payload []byte) (SendResult, error) {
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("ipcrouter: payload of %d bytes exceeds max %d", len(payload), MaxPayload)
	}
	mb, ok := r.mailboxes[id]
	if !ok {
		return 0, fmt.Errorf("ipcrouter: server %d is not registered", id)
	}

	if len(mb.queue) >= mb.capacity {
		mb.blockedSenders = append(mb.blockedSenders, senderPid)
		return SendWouldBlock, nil
	}

	body := make([]byte, len(payload))
	copy(body, payload)
	mb.queue = append(mb.queue, Message{SenderPid: senderPid, Payload: body})

	if r.waker != nil {
		r.waker.WakeReceiver(id)
	}
	return SendQueued, nil
}

// PopOldestSender removes and returns the longest-waiting blocked sender
// for id, implementing the "exactly one blocked sender wakes, FIFO" rule of
// §4.H.2. Called by the kernel's Waker implementation from within
// WakeOneSender, before it transitions that pid back to Ready.
func (r *Router) PopOldestSender(id ServerID) (pid uint32, ok bool) {
	mb, exists := r.mailboxes[id]
	if !exists || len(mb.blockedSenders) == 0 {
		return 0, false
	}
	pid = mb.blockedSenders[0]
	mb.blockedSenders = mb.blockedSenders[1:]
	return pid, true
}

// ReceiveResult carries the outcome of a non-blocking mailbox pop.
type ReceiveResult struct {
	Message Message
	Empty   bool
}

// Receive pops the head of the mailbox registered as id; it does not check
// which pid is calling. Per §4.H.1, if the
// mailbox is non-empty this always succeeds; otherwise the caller must
// block the receiving PCB and call Receive again once WakeReceiver fires.
func (r *Router) Receive(id ServerID) ReceiveResult {
	mb, ok := r.mailboxes[id]
	if !ok || len(mb.queue) == 0 {
		return ReceiveResult{Empty: true}
	}

	msg := mb.queue[0]
	mb.queue = mb.queue[1:]

	if len(mb.blockedSenders) > 0 && r.waker != nil {
		// FIFO among blocked senders (§4.H.2): wake the longest-waiting
		// one now that a slot opened up.
		r.waker.WakeOneSender(id)
	}
	return ReceiveResult{Message: msg}
}

// OwnerServerID returns the id of the mailbox registered by pid, if any.
// The receive syscall (§4.G.3 row 4) takes no server id argument — the
// caller's own mailbox is implicit — so the kernel package uses this to
// resolve "the caller's mailbox" down to a concrete ServerID.
func (r *Router) OwnerServerID(pid uint32) (ServerID, bool) {
	for id, mb := range r.mailboxes {
		if mb.owner == pid {
			return id, true
		}
	}
	return 0, false
}

// MailboxLen reports the current queue depth of id, for tests and
// diagnostics.
func (r *Router) MailboxLen(id ServerID) int {
	mb, ok := r.mailboxes[id]
	if !ok {
		return 0
	}
	return len(mb.queue)
}

// RemovePid drops every trace of pid from every mailbox's blocked-sender
// list, called when a process terminates while blocked on send (§4.E.5
// walks the blocked queue; this is the ipcrouter-side half of that walk).
func (r *Router) RemovePid(pid uint32) {
	for _, mb := range r.mailboxes {
		for i, p := range mb.blockedSenders {
			if p == pid {
				mb.blockedSenders = append(mb.blockedSenders[:i], mb.blockedSenders[i+1:]...)
				break
			}
		}
	}
}
