package kernel

import "fmt"

// MaxMessageBytes is the size of the IPC command buffer at the start of
// each thread's TLS slot.
const MaxMessageBytes = 0x100

// Message is a request copied out of a guest command buffer.
type Message struct {
	Sender *Thread
	Len    uint16
	Data   [MaxMessageBytes]byte
}

const mailboxSlots = 8

// Mailbox is a fixed-size request ring. It is only touched under the
// kernel lock.
type Mailbox struct {
	head  uint32
	tail  uint32
	slots [mailboxSlots]Message
}

// TrySend enqueues msg, returning false if the mailbox is full.
func (mb *Mailbox) TrySend(msg Message) bool {
	if mb.head-mb.tail >= mailboxSlots {
		return false
	}
	mb.slots[mb.head%mailboxSlots] = msg
	mb.head++
	return true
}

// TryRecv dequeues one message, returning false if empty.
func (mb *Mailbox) TryRecv() (Message, bool) {
	if mb.tail == mb.head {
		return Message{}, false
	}
	msg := mb.slots[mb.tail%mailboxSlots]
	mb.slots[mb.tail%mailboxSlots] = Message{}
	mb.tail++
	return msg, true
}

func (mb *Mailbox) Len() int { return int(mb.head - mb.tail) }

// ServiceHandler is a host-side service. It receives the request bytes and
// returns the reply to copy back into the command buffer.
type ServiceHandler interface {
	HandleRequest(sender *Thread, req []byte) (reply []byte, res Result)
}

// ServiceFunc adapts a function to ServiceHandler.
type ServiceFunc func(sender *Thread, req []byte) ([]byte, Result)

func (f ServiceFunc) HandleRequest(sender *Thread, req []byte) ([]byte, Result) {
	return f(sender, req)
}

// Session is a client connection to a host service. Requests sent on it
// park the sender in WaitIPC until ServeSessions answers them.
type Session struct {
	objectBase
	refCount

	k       *Kernel
	handler ServiceHandler
	mbox    Mailbox
	served  uint64
}

// NewSession registers a session served by h.
func (k *Kernel) NewSession(name string, h ServiceHandler) *Session {
	s := &Session{
		objectBase: objectBase{id: k.newObjectID(), name: name},
		k:          k,
		handler:    h,
	}
	k.sessions = append(k.sessions, s)
	return s
}

func (s *Session) HandleType() HandleType { return HandleTypeSession }

// Pending returns the number of unanswered requests.
func (s *Session) Pending() int { return s.mbox.Len() }

// Served counts the requests answered so far.
func (s *Session) Served() uint64 { return s.served }

// SendSyncRequest copies the command buffer of cur into the session and
// blocks cur until the reply arrives.
func (k *Kernel) SendSyncRequest(cur *Thread, h Handle) (Result, error) {
	s, ok := getObject[*Session](cur.owner.handles, h)
	if !ok {
		return ResultInvalidHandle, nil
	}
	msg := Message{Sender: cur, Len: MaxMessageBytes}
	if err := cur.ReadTLS(0, msg.Data[:]); err != nil {
		return 0, err
	}
	if !s.mbox.TrySend(msg) {
		return ResultResourceLimitExceed, nil
	}
	cur.WaitIPC()
	return ResultSuccess, nil
}

// ServeSessions answers every queued request and returns how many were
// handled. It takes the kernel lock.
func (k *Kernel) ServeSessions() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for _, s := range k.sessions {
		for {
			msg, ok := s.mbox.TryRecv()
			if !ok {
				break
			}
			n++
			s.served++
			t := msg.Sender
			if t.status != StatusWaitIPC {
				continue
			}
			reply, res := s.handler.HandleRequest(t, msg.Data[:msg.Len])
			if len(reply) > MaxMessageBytes {
				reply = reply[:MaxMessageBytes]
			}
			if err := t.WriteTLS(0, reply); err != nil {
				k.logf("kernel: %s: reply to thread %d: %v", s.name, t.id, err)
				res = ResultInvalidMemoryState
			}
			t.CompleteIPC(res)
		}
	}
	return n
}

func (s *Session) String() string {
	return fmt.Sprintf("session %q (%d pending)", s.name, s.mbox.Len())
}
