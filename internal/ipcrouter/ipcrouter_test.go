package ipcrouter

import "testing"

type fakeWaker struct {
	receiverWoken []ServerID
	senderWoken   []ServerID
}

func (f *fakeWaker) WakeReceiver(id ServerID) { f.receiverWoken = append(f.receiverWoken, id) }
func (f *fakeWaker) WakeOneSender(id ServerID) { f.senderWoken = append(f.senderWoken, id) }

func TestSendReceiveRoundTrip(t *testing.T) {
	w := &fakeWaker{}
	r := New(w)
	r.Register(2, 10)

	res, err := r.Send(2, 99, []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res != SendQueued {
		t.Fatalf("Send result = %v, want SendQueued", res)
	}
	if len(w.receiverWoken) != 1 || w.receiverWoken[0] != 2 {
		t.Fatalf("receiver not woken: %v", w.receiverWoken)
	}

	got := r.Receive(2)
	if got.Empty {
		t.Fatalf("Receive reported empty")
	}
	if string(got.Message.Payload) != "\x01\x02\x03" {
		t.Fatalf("Receive payload = %v, want [1 2 3]", got.Message.Payload)
	}
	if got.Message.SenderPid != 99 {
		t.Fatalf("Receive sender pid = %d, want 99", got.Message.SenderPid)
	}
}

func TestReceiveEmptyMailbox(t *testing.T) {
	r := New(nil)
	r.Register(2, 10)

	got := r.Receive(2)
	if !got.Empty {
		t.Fatalf("expected Empty on unfilled mailbox")
	}
}

func TestSendUnregisteredServer(t *testing.T) {
	r := New(nil)
	if _, err := r.Send(5, 1, []byte("hi")); err == nil {
		t.Fatalf("expected error sending to unregistered server")
	}
}

func TestSendFullMailboxBlocksThenFIFOWakesOldest(t *testing.T) {
	w := &fakeWaker{}
	r := New(w)
	r.Register(1, 10)

	// Fill to capacity.
	for i := 0; i < DefaultCapacity; i++ {
		if res, err := r.Send(1, uint32(i), []byte{byte(i)}); err != nil || res != SendQueued {
			t.Fatalf("Send %d: res=%v err=%v", i, res, err)
		}
	}

	res, err := r.Send(1, 1000, []byte{0xFF})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res != SendWouldBlock {
		t.Fatalf("Send into full mailbox = %v, want SendWouldBlock", res)
	}

	// Drain one message; exactly one blocked sender should be woken.
	r.Receive(1)
	if len(w.senderWoken) != 1 {
		t.Fatalf("senderWoken = %v, want exactly one wakeup", w.senderWoken)
	}

	woken, ok := r.PopOldestSender(1)
	if !ok || woken != 1000 {
		t.Fatalf("PopOldestSender = (%d, %v), want (1000, true)", woken, ok)
	}

	res, err = r.Send(1, 1000, []byte{0xFF})
	if err != nil || res != SendQueued {
		t.Fatalf("Send after wakeup: res=%v err=%v", res, err)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	r := New(nil)
	r.Register(1, 10)
	big := make([]byte, MaxPayload+1)
	if _, err := r.Send(1, 1, big); err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}
