package apps

import (
	"encoding/binary"

	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/kmessage"
	"example.com/rvkernel/internal/syscall"
)

// pingKind tags the ping/pong value exchange, adapted from
// original_source's apps/ping and apps/pong (PingRequest/PingPongMessage,
// both a single integer field).
const pingKind = 2

// Ping is adapted from original_source's apps/ping: it repeatedly sends an
// incrementing value over its "dep:pong" channel and reads each reply,
// logging once when all rounds are done.
// Unlike the original's unbounded for loop, this bundled fixture stops
// after a fixed number of rounds so a spawned instance terminates on its
// own rather than running forever as a fixture.
func Ping(env syscall.Environ) {
	ch, ok := env.Dep("dep:pong")
	if !ok {
		return
	}

	const rounds = 8
	out := make([]byte, 8)
	in := make([]byte, kmessage.MaxDataLen)
	for i := uint64(0); i < rounds; i++ {
		binary.LittleEndian.PutUint64(out, i)
		env.Env.Dispatch(syscall.OpChannelSend, syscall.Args{A0: int64(ch), A1: pingKind, Buf: out})

		word := env.Env.Dispatch(syscall.OpChannelRecv, syscall.Args{A0: int64(ch), Buf: in})
		if word < 0 {
			if kerr.Code(word) == kerr.NoPeer {
				return
			}
			continue
		}
	}
	env.Env.Dispatch(syscall.OpLogWrite, syscall.Args{Buf: []byte("ping: done\n")})
}

// Pong is adapted from original_source's apps/pong: it receives a value
// and replies with a fixed one, forever until its peer closes the
// channel.
func Pong(env syscall.Environ) {
	ch, ok := env.Dep("dep:ping")
	if !ok {
		return
	}

	reply := make([]byte, 8)
	binary.LittleEndian.PutUint64(reply, 84)
	in := make([]byte, kmessage.MaxDataLen)
	for {
		word := env.Env.Dispatch(syscall.OpChannelRecv, syscall.Args{A0: int64(ch), Buf: in})
		if word < 0 {
			if kerr.Code(word) == kerr.NoPeer {
				return
			}
			continue
		}
		env.Env.Dispatch(syscall.OpChannelSend, syscall.Args{A0: int64(ch), A1: pingKind, Buf: reply})
	}
}
