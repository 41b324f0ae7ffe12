// Package syscall implements spec Section 4.5/6's single dispatch entry
// point: the closed set of 27 numbered operations every in-kernel app
// issues through, plus the signed-integer return-encoding discipline
// (success payload as one non-negative value, kerr codes as negative
// values, poll_wait packing readiness into the high bits of the word).
//
// There is no real user/kernel boundary in this rendering (spec Section
// 3.15's apps are goroutines sharing the kernel's address space, not
// separate userspace processes under a real MMU), so there is nothing for
// a0..a5 to be raw pointers into: buffer-bearing arguments ride in Args'
// typed fields instead of being decoded from an integer address, the same
// substitution internal/guest's Memory interface already makes for "guest
// physical pointer" (see DESIGN.md's Open Questions for the rationale).
package syscall

import (
	"fmt"
	"time"

	"example.com/rvkernel/internal/folio"
	"example.com/rvkernel/internal/hostkvm"
	"example.com/rvkernel/internal/hvspace"
	"example.com/rvkernel/internal/interrupt"
	"example.com/rvkernel/internal/kalloc"
	"example.com/rvkernel/internal/kchannel"
	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/khandle"
	"example.com/rvkernel/internal/klog"
	"example.com/rvkernel/internal/kmessage"
	"example.com/rvkernel/internal/kobject"
	"example.com/rvkernel/internal/kpoll"
	"example.com/rvkernel/internal/ktimer"
	"example.com/rvkernel/internal/pagetable"
	"example.com/rvkernel/internal/plic"
	"example.com/rvkernel/internal/scheduler"
	"example.com/rvkernel/internal/vmspace"
)

// Op numbers the 27 syscalls spec Section 6's table assigns.
type Op int64

const (
	OpLogWrite Op = iota
	OpHandleClose
	OpChannelCreate
	OpChannelSend
	OpChannelRecv
	OpPollCreate
	OpPollAdd
	OpPollUpdate
	OpPollRemove
	OpPollWait
	OpPollTryWait
	OpFolioAlloc
	OpFolioPin
	OpFolioPAddr
	OpVmSpaceMap
	OpInterruptCreate
	OpInterruptAck
	OpThreadExit
	OpHvSpaceCreate
	OpHvSpaceMap
	OpVCpuCreate
	OpVCpuRun
	OpThreadSpawn
	OpTimerCreate
	OpTimerSet
	OpTimerNow
	OpLogRead
)

// Args carries every syscall's arguments. Numeric fields stand in for
// a0..a5; Buf/Transfers/OutHandles/Name/Deadline/Entry stand in for the
// handful of operations spec Section 6 would otherwise marshal through an
// out-pointer argument (see the package doc).
type Args struct {
	A0, A1, A2, A3, A4, A5 int64

	Buf        []byte        // LOG_WRITE input / LOG_READ, CHANNEL_RECV output buffers
	Transfers  []khandle.Id  // CHANNEL_SEND: handles to move out of the sender's own table
	OutHandles *[]khandle.Id // CHANNEL_RECV: receives transferred handle ids

	PinBacking []byte // FOLIO_PIN

	Name     string            // THREAD_SPAWN
	Entry    func(*scheduler.Thread) // THREAD_SPAWN

	Deadline time.Time // TIMER_SET
}

// Env is the per-process context a Dispatch call runs against: the
// process's own handle table plus the kernel-global singletons every
// operation bottoms out in. Built once at process creation and threaded
// through every syscall the process's threads issue.
type Env struct {
	Table     *khandle.Table
	Log       *klog.Ring
	Arena     *kalloc.Arena
	PLIC      *plic.PLIC
	Thread    *scheduler.Thread
	Scheduler *scheduler.Scheduler

	// VCpus is the fixed pool of vcpus provisioned at guest boot; VCPU_CREATE
	// binds a handle to VCpus[a0] rather than constructing a new one, since
	// vcpu count is fixed for the guest's lifetime.
	VCpus []*hostkvm.VCpu
	// RunVCpu drives VCpus[idx] to completion (MMIO/SBI exit handling lives
	// with whoever owns the guest's memory and device bus, not here); nil
	// means this process holds no hypervisor rights.
	RunVCpu func(idx int) error
}

// Dispatch decodes op and args, performs the operation against e, and
// returns the signed-integer encoding spec Section 6 describes: a
// non-negative success payload, or a negative kerr.Code.
func (e *Env) Dispatch(op Op, args Args) int64 {
	switch op {
	case OpLogWrite:
		n, err := e.Log.Write(args.Buf)
		if err != nil {
			return encodeErr(err)
		}
		return int64(n)

	case OpHandleClose:
		if err := e.Table.Close(khandle.Id(args.A0)); err != nil {
			return encodeErr(err)
		}
		return 0

	case OpChannelCreate:
		a, b := kchannel.CreatePair(int(args.A0))
		a.BindTable(e.Table)
		b.BindTable(e.Table)
		aID, err := e.Table.Insert(a, khandle.RightRead|khandle.RightWrite|khandle.RightPoll)
		if err != nil {
			return encodeErr(err)
		}
		bID, err := e.Table.Insert(b, khandle.RightRead|khandle.RightWrite|khandle.RightPoll)
		if err != nil {
			_ = e.Table.Close(aID)
			return encodeErr(err)
		}
		// Both ends start out in the creator's own table, like pipe(2); one
		// end is typically handed off across another channel afterward.
		// poll_wait's readiness<<24|handle precedent is reused here: the
		// second handle rides in the high 32 bits of the return word.
		return int64(uint32(bID))<<32 | int64(uint32(aID))

	case OpChannelSend:
		ep, err := e.getEndpoint(khandle.Id(args.A0), khandle.RightWrite)
		if err != nil {
			return encodeErr(err)
		}
		transfers := make([]kchannel.HandleTransfer, len(args.Transfers))
		for i, id := range args.Transfers {
			rights, err := e.Table.Rights(id)
			if err != nil {
				return encodeErr(err)
			}
			obj, err := e.Table.Get(id, 0)
			if err != nil {
				return encodeErr(err)
			}
			transfers[i] = kchannel.HandleTransfer{SourceId: id, Object: obj, Rights: rights}
		}
		if err := ep.Send(e.Table, uint32(args.A1), args.Buf, transfers); err != nil {
			return encodeErr(err)
		}
		return 0

	case OpChannelRecv:
		ep, err := e.getEndpoint(khandle.Id(args.A0), khandle.RightRead)
		if err != nil {
			return encodeErr(err)
		}
		info, ids, n, err := ep.Recv(args.Buf)
		if err != nil {
			return encodeErr(err)
		}
		if args.OutHandles != nil {
			*args.OutHandles = ids
		}
		packed, err := kmessage.Pack(info.Kind, uint32(n), uint32(len(ids)))
		if err != nil {
			return encodeErr(err)
		}
		return int64(packed)

	case OpPollCreate:
		p := kpoll.New()
		id, err := e.Table.Insert(p, khandle.RightRead|khandle.RightWrite)
		if err != nil {
			return encodeErr(err)
		}
		return int64(id)

	case OpPollAdd:
		p, err := e.getPoll(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		watched := khandle.Id(args.A1)
		obj, err := e.Table.Get(watched, khandle.RightPoll)
		if err != nil {
			return encodeErr(err)
		}
		if err := p.Add(watched, obj, kobject.Readiness(args.A2)); err != nil {
			return encodeErr(err)
		}
		return 0

	case OpPollUpdate:
		p, err := e.getPoll(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		watched := khandle.Id(args.A1)
		obj, err := e.Table.Get(watched, khandle.RightPoll)
		if err != nil {
			return encodeErr(err)
		}
		// update = remove-then-add, so the interest mask can only ever be
		// what the caller asks for now, not an OR of the old and new masks.
		_ = p.Remove(watched)
		if err := p.Add(watched, obj, kobject.Readiness(args.A2)); err != nil {
			return encodeErr(err)
		}
		return 0

	case OpPollRemove:
		p, err := e.getPoll(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		if err := p.Remove(khandle.Id(args.A1)); err != nil {
			return encodeErr(err)
		}
		return 0

	case OpPollWait:
		p, err := e.getPoll(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		ev, err := p.Wait()
		if err != nil {
			return encodeErr(err)
		}
		return packEvent(ev)

	case OpPollTryWait:
		p, err := e.getPoll(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		ev, err := p.TryWait()
		if err != nil {
			return encodeErr(err)
		}
		return packEvent(ev)

	case OpFolioAlloc:
		f, err := folio.Alloc(e.Arena, uintptr(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		id, err := e.Table.Insert(f, khandle.RightRead|khandle.RightWrite|khandle.RightMap)
		if err != nil {
			return encodeErr(err)
		}
		return int64(id)

	case OpFolioPin:
		f, err := folio.Pin(uintptr(args.A0), args.PinBacking)
		if err != nil {
			return encodeErr(err)
		}
		id, err := e.Table.Insert(f, khandle.RightRead|khandle.RightWrite|khandle.RightMap)
		if err != nil {
			return encodeErr(err)
		}
		return int64(id)

	case OpFolioPAddr:
		f, err := e.getFolio(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		return int64(f.PAddr())

	case OpVmSpaceMap:
		vs, err := e.getVmSpace(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		f, err := e.getFolio(khandle.Id(args.A2))
		if err != nil {
			return encodeErr(err)
		}
		if err := vs.Map(uintptr(args.A1), f, pagetable.Prot(args.A3)); err != nil {
			return encodeErr(err)
		}
		return 0

	case OpInterruptCreate:
		i, err := interrupt.Attach(e.PLIC, uint32(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		id, err := e.Table.Insert(i, khandle.RightRead|khandle.RightPoll)
		if err != nil {
			return encodeErr(err)
		}
		return int64(id)

	case OpInterruptAck:
		i, err := e.getInterrupt(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		i.Acknowledge()
		return 0

	case OpThreadExit:
		e.Thread.Exit()
		return 0

	case OpHvSpaceCreate:
		h, err := hvspace.New(e.Arena)
		if err != nil {
			return encodeErr(err)
		}
		id, err := e.Table.Insert(h, khandle.RightRead|khandle.RightWrite|khandle.RightMap)
		if err != nil {
			return encodeErr(err)
		}
		return int64(id)

	case OpHvSpaceMap:
		h, err := e.getHvSpace(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		f, err := e.getFolio(khandle.Id(args.A2))
		if err != nil {
			return encodeErr(err)
		}
		if err := h.Map(uintptr(args.A1), f, pagetable.Prot(args.A3)); err != nil {
			return encodeErr(err)
		}
		return 0

	case OpVCpuCreate:
		idx := int(args.A0)
		if idx < 0 || idx >= len(e.VCpus) {
			return encodeErr(fmt.Errorf("syscall: vcpu index %d out of range: %w", idx, kerr.InvalidArg))
		}
		vc := &vcpuObject{vcpu: e.VCpus[idx], idx: idx}
		id, err := e.Table.Insert(vc, khandle.RightRead|khandle.RightWrite)
		if err != nil {
			return encodeErr(err)
		}
		return int64(id)

	case OpVCpuRun:
		vc, err := e.getVCpu(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		if e.RunVCpu == nil {
			return encodeErr(fmt.Errorf("syscall: no vcpu runner configured: %w", kerr.NotSupported))
		}
		if err := e.RunVCpu(vc.idx); err != nil {
			return encodeErr(err)
		}
		return 0

	case OpThreadSpawn:
		if e.Scheduler == nil || args.Entry == nil {
			return encodeErr(fmt.Errorf("syscall: thread_spawn requires a scheduler and entry point: %w", kerr.InvalidArg))
		}
		e.Scheduler.Spawn(args.Name, nil, nil, args.Entry)
		return 0

	case OpTimerCreate:
		t := ktimer.New()
		id, err := e.Table.Insert(t, khandle.RightRead|khandle.RightWrite|khandle.RightPoll)
		if err != nil {
			return encodeErr(err)
		}
		return int64(id)

	case OpTimerSet:
		t, err := e.getTimer(khandle.Id(args.A0))
		if err != nil {
			return encodeErr(err)
		}
		if err := t.Set(args.Deadline); err != nil {
			return encodeErr(err)
		}
		return 0

	case OpTimerNow:
		return ktimer.Now().UnixNano()

	case OpLogRead:
		n, err := e.Log.Read(args.Buf)
		if err != nil {
			return encodeErr(err)
		}
		return int64(n)

	default:
		return encodeErr(fmt.Errorf("syscall: unknown op %d: %w", op, kerr.InvalidSyscall))
	}
}

// packEvent implements spec Section 6's poll_wait/poll_try_wait encoding:
// readiness in bits 24..31, handle id in bits 0..23.
func packEvent(ev kpoll.Event) int64 {
	return int64(ev.Readiness)<<24 | int64(uint32(ev.Handle)&0xffffff)
}

// encodeErr maps a kerr-wrapped error to its negative code, per spec
// Section 6's "negative values are kerr codes" rule. An error not carrying
// a recognized kerr.Code (which should never happen for operations defined
// entirely in terms of this module's own packages) falls back to
// NotSupported rather than panicking.
func encodeErr(err error) int64 {
	for c := kerr.InUse; c <= kerr.NotSupported; c++ {
		if kerr.IsCode(err, c) {
			return int64(c)
		}
	}
	return int64(kerr.NotSupported)
}

func (e *Env) getEndpoint(id khandle.Id, rights khandle.Rights) (*kchannel.Endpoint, error) {
	obj, err := e.Table.Get(id, rights)
	if err != nil {
		return nil, err
	}
	ep, ok := obj.(*kchannel.Endpoint)
	if !ok {
		return nil, fmt.Errorf("syscall: handle %d is not a channel: %w", id, kerr.UnexpectedType)
	}
	return ep, nil
}

func (e *Env) getPoll(id khandle.Id) (*kpoll.Poll, error) {
	obj, err := e.Table.Get(id, khandle.RightRead|khandle.RightWrite)
	if err != nil {
		return nil, err
	}
	p, ok := obj.(*kpoll.Poll)
	if !ok {
		return nil, fmt.Errorf("syscall: handle %d is not a poll: %w", id, kerr.UnexpectedType)
	}
	return p, nil
}

func (e *Env) getFolio(id khandle.Id) (*folio.Folio, error) {
	obj, err := e.Table.Get(id, khandle.RightMap)
	if err != nil {
		return nil, err
	}
	f, ok := obj.(*folio.Folio)
	if !ok {
		return nil, fmt.Errorf("syscall: handle %d is not a folio: %w", id, kerr.UnexpectedType)
	}
	return f, nil
}

func (e *Env) getVmSpace(id khandle.Id) (*vmspace.VmSpace, error) {
	obj, err := e.Table.Get(id, khandle.RightWrite)
	if err != nil {
		return nil, err
	}
	vs, ok := obj.(*vmspace.VmSpace)
	if !ok {
		return nil, fmt.Errorf("syscall: handle %d is not a vmspace: %w", id, kerr.UnexpectedType)
	}
	return vs, nil
}

func (e *Env) getHvSpace(id khandle.Id) (*hvspace.HvSpace, error) {
	obj, err := e.Table.Get(id, khandle.RightWrite)
	if err != nil {
		return nil, err
	}
	h, ok := obj.(*hvspace.HvSpace)
	if !ok {
		return nil, fmt.Errorf("syscall: handle %d is not an hvspace: %w", id, kerr.UnexpectedType)
	}
	return h, nil
}

func (e *Env) getInterrupt(id khandle.Id) (*interrupt.Interrupt, error) {
	obj, err := e.Table.Get(id, khandle.RightRead)
	if err != nil {
		return nil, err
	}
	i, ok := obj.(*interrupt.Interrupt)
	if !ok {
		return nil, fmt.Errorf("syscall: handle %d is not an interrupt: %w", id, kerr.UnexpectedType)
	}
	return i, nil
}

func (e *Env) getTimer(id khandle.Id) (*ktimer.Timer, error) {
	obj, err := e.Table.Get(id, khandle.RightWrite)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*ktimer.Timer)
	if !ok {
		return nil, fmt.Errorf("syscall: handle %d is not a timer: %w", id, kerr.UnexpectedType)
	}
	return t, nil
}

func (e *Env) getVCpu(id khandle.Id) (*vcpuObject, error) {
	obj, err := e.Table.Get(id, khandle.RightWrite)
	if err != nil {
		return nil, err
	}
	vc, ok := obj.(*vcpuObject)
	if !ok {
		return nil, fmt.Errorf("syscall: handle %d is not a vcpu: %w", id, kerr.UnexpectedType)
	}
	return vc, nil
}

// vcpuObject gives a hostkvm.VCpu the Handleable surface VCPU_CREATE's
// returned handle needs; the vcpu itself carries no readiness of its own
// (a thread blocks on VCPU_RUN returning, not on polling the handle).
type vcpuObject struct {
	kobject.NoReadiness
	vcpu *hostkvm.VCpu
	idx  int
}

func (v *vcpuObject) Kind() kobject.Kind { return kobject.KindVCpu }
func (v *vcpuObject) Close() error       { return v.vcpu.Close() }
