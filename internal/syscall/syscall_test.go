package syscall

import (
	"testing"

	"example.com/rvkernel/internal/kalloc"
	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/khandle"
	"example.com/rvkernel/internal/klog"
	"example.com/rvkernel/internal/kmessage"
	"example.com/rvkernel/internal/kobject"
)

func newEnv(t *testing.T) *Env {
	t.Helper()
	log, err := klog.New(klog.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("klog.New: %v", err)
	}
	arena, err := kalloc.NewArena(0x8000_0000, 64*kalloc.PageSize)
	if err != nil {
		t.Fatalf("kalloc.NewArena: %v", err)
	}
	return &Env{Table: khandle.NewTable(), Log: log, Arena: arena}
}

// S1: channel ping-pong, driven through Dispatch instead of the package
// directly, including decoding CHANNEL_CREATE's packed return word.
func TestDispatchChannelPingPong(t *testing.T) {
	e := newEnv(t)

	ret := e.Dispatch(OpChannelCreate, Args{A0: 0})
	if ret < 0 {
		t.Fatalf("CHANNEL_CREATE failed: %d", ret)
	}
	aID := khandle.Id(uint32(ret))
	bID := khandle.Id(uint32(ret >> 32))

	ret = e.Dispatch(OpChannelSend, Args{A0: int64(aID), A1: 1, Buf: []byte("PING")})
	if ret != 0 {
		t.Fatalf("CHANNEL_SEND failed: %d", ret)
	}

	var outIDs []khandle.Id
	buf := make([]byte, 16)
	ret = e.Dispatch(OpChannelRecv, Args{A0: int64(bID), Buf: buf, OutHandles: &outIDs})
	if ret < 0 {
		t.Fatalf("CHANNEL_RECV failed: %d", ret)
	}
	info := kmessage.Unpack(uint32(ret))
	if info.Kind != 1 || info.DataLen != 4 || info.NumHandles != 0 {
		t.Fatalf("unexpected info %+v", info)
	}
	if string(buf[:info.DataLen]) != "PING" {
		t.Fatalf("expected PING, got %q", buf[:info.DataLen])
	}
}

// B1: CHANNEL_SEND with an oversized payload surfaces as a negative
// kerr.TooLarge code through Dispatch's encoding.
func TestDispatchChannelSendRejectsOversizedData(t *testing.T) {
	e := newEnv(t)
	ret := e.Dispatch(OpChannelCreate, Args{A0: 0})
	aID := khandle.Id(uint32(ret))

	ret = e.Dispatch(OpChannelSend, Args{A0: int64(aID), Buf: make([]byte, kmessage.MaxDataLen+1)})
	if ret >= 0 || ret != int64(kerr.TooLarge) {
		t.Fatalf("expected encoded TooLarge, got %d", ret)
	}
}

// B2: CHANNEL_SEND with too many transferred handles.
func TestDispatchChannelSendRejectsTooManyHandles(t *testing.T) {
	e := newEnv(t)
	ret := e.Dispatch(OpChannelCreate, Args{A0: 0})
	aID := khandle.Id(uint32(ret))

	transfers := make([]khandle.Id, kmessage.MaxHandles+1)
	for i := range transfers {
		r := e.Dispatch(OpFolioAlloc, Args{A0: 4096})
		if r < 0 {
			t.Fatalf("FOLIO_ALLOC failed: %d", r)
		}
		transfers[i] = khandle.Id(r)
	}
	ret = e.Dispatch(OpChannelSend, Args{A0: int64(aID), Transfers: transfers})
	if ret >= 0 {
		t.Fatalf("expected a negative encoded error, got %d", ret)
	}
}

// S4: poll readiness driven through Dispatch, including poll_wait's packed
// (readiness, handle) return word.
func TestDispatchPollReadinessScenario(t *testing.T) {
	e := newEnv(t)
	ret := e.Dispatch(OpChannelCreate, Args{A0: 0})
	aID := khandle.Id(uint32(ret))
	bID := khandle.Id(uint32(ret >> 32))

	pollRet := e.Dispatch(OpPollCreate, Args{})
	if pollRet < 0 {
		t.Fatalf("POLL_CREATE failed: %d", pollRet)
	}
	pollID := khandle.Id(pollRet)

	addRet := e.Dispatch(OpPollAdd, Args{A0: int64(pollID), A1: int64(bID), A2: int64(kobject.Readable)})
	if addRet != 0 {
		t.Fatalf("POLL_ADD failed: %d", addRet)
	}

	sendRet := e.Dispatch(OpChannelSend, Args{A0: int64(aID), Buf: []byte("x")})
	if sendRet != 0 {
		t.Fatalf("CHANNEL_SEND failed: %d", sendRet)
	}

	waitRet := e.Dispatch(OpPollWait, Args{A0: int64(pollID)})
	if waitRet < 0 {
		t.Fatalf("POLL_WAIT failed: %d", waitRet)
	}
	gotHandle := khandle.Id(uint32(waitRet) & 0xffffff)
	if gotHandle != bID {
		t.Fatalf("expected event for handle %d, got %d", bID, gotHandle)
	}
}

func TestDispatchUnknownOpEncodesInvalidSyscall(t *testing.T) {
	e := newEnv(t)
	ret := e.Dispatch(Op(9999), Args{})
	if ret != int64(kerr.InvalidSyscall) {
		t.Fatalf("expected encoded InvalidSyscall, got %d", ret)
	}
}

func TestDispatchHandleCloseOnUnknownHandleFails(t *testing.T) {
	e := newEnv(t)
	ret := e.Dispatch(OpHandleClose, Args{A0: 999})
	if ret >= 0 {
		t.Fatalf("expected a negative encoded error, got %d", ret)
	}
}

func TestDispatchLogWriteReadRoundTrip(t *testing.T) {
	e := newEnv(t)
	n := e.Dispatch(OpLogWrite, Args{Buf: []byte("hello")})
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}
	buf := make([]byte, 16)
	m := e.Dispatch(OpLogRead, Args{Buf: buf})
	if m != 5 || string(buf[:m]) != "hello" {
		t.Fatalf("expected to read back hello, got %q (n=%d)", buf[:m], m)
	}
}
