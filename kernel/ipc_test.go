package kernel

import (
	"bytes"
	"testing"
)

func TestMailboxTryRecvEmpty(t *testing.T) {
	var mb Mailbox
	if _, ok := mb.TryRecv(); ok {
		t.Fatal("TryRecv on empty mailbox returned ok")
	}
}

func TestMailboxTrySendFull(t *testing.T) {
	var mb Mailbox
	for i := 0; i < mailboxSlots; i++ {
		if !mb.TrySend(Message{Len: uint16(i)}) {
			t.Fatalf("TrySend %d failed", i)
		}
	}
	if mb.TrySend(Message{}) {
		t.Fatal("TrySend on full mailbox succeeded")
	}
	for i := 0; i < mailboxSlots; i++ {
		msg, ok := mb.TryRecv()
		if !ok || msg.Len != uint16(i) {
			t.Fatalf("TryRecv %d = %d, %v", i, msg.Len, ok)
		}
	}
	if mb.Len() != 0 {
		t.Fatalf("Len = %d, want 0", mb.Len())
	}
}

func TestSessionRoundTrip(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "client", PriorityDefault, 0)

	var got []byte
	s := f.k.NewSession("echo", ServiceFunc(func(sender *Thread, req []byte) ([]byte, Result) {
		if sender != th {
			t.Errorf("sender = %v, want client", sender)
		}
		got = append([]byte(nil), req[:4]...)
		return []byte("pong"), ResultNotFound
	}))
	h, res := f.p.Handles().Create(s)
	if !res.IsSuccess() {
		t.Fatalf("Create = %v", res)
	}

	th.WriteTLS(0, []byte("ping"))
	if res, err := f.k.SendSyncRequest(th, h); err != nil || !res.IsSuccess() {
		t.Fatalf("SendSyncRequest = %v, %v", res, err)
	}
	if th.Status() != StatusWaitIPC || s.Pending() != 1 {
		t.Fatalf("status = %v pending = %d", th.Status(), s.Pending())
	}

	if n := f.k.ServeSessions(); n != 1 {
		t.Fatalf("ServeSessions = %d, want 1", n)
	}
	if string(got) != "ping" {
		t.Fatalf("request = %q, want ping", got)
	}
	reply := make([]byte, 4)
	th.ReadTLS(0, reply)
	if !bytes.Equal(reply, []byte("pong")) {
		t.Fatalf("reply = %q, want pong", reply)
	}
	if th.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", th.Status())
	}
	if f.k.Dispatch(0) != th || th.Context.X[0] != uint64(ResultNotFound) {
		t.Fatalf("X0 = %d, want %d", th.Context.X[0], ResultNotFound)
	}
}

func TestSessionDropsRequestOfStoppedThread(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "client", PriorityDefault, 0)
	calls := 0
	s := f.k.NewSession("svc", ServiceFunc(func(*Thread, []byte) ([]byte, Result) {
		calls++
		return nil, ResultSuccess
	}))
	h, _ := f.p.Handles().Create(s)

	f.k.SendSyncRequest(th, h)
	th.Stop()
	f.k.ServeSessions()
	if calls != 0 || s.Served() != 1 {
		t.Fatalf("calls = %d served = %d, want 0 and 1", calls, s.Served())
	}
}

func TestSendSyncRequestInvalidHandle(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, "client", PriorityDefault, 0)
	e := f.k.NewEvent("e", ResetOneShot)
	h, _ := f.p.Handles().Create(e)
	if res, _ := f.k.SendSyncRequest(th, h); res != ResultInvalidHandle {
		t.Fatalf("SendSyncRequest = %v, want %v", res, ResultInvalidHandle)
	}
	if th.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", th.Status())
	}
}
