package apps

import (
	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/khandle"
	"example.com/rvkernel/internal/kmessage"
	"example.com/rvkernel/internal/syscall"
)

// echoKind tags every message the echo app exchanges; there is only one
// message shape (a ping carrying a value, replied to verbatim), matching
// original_source's echo/src/lib.rs PingReply{value}.
const echoKind = 1

// Echo is adapted from original_source's apps/echo: a one-client echo
// server. It waits for its "dep:startup" dependency channel (on which a
// supervisor hands it one client channel per connection, the
// Message::NewClient shape) and, for simplicity in this bundled fixture,
// treats the first handle it receives on that channel as its one client
// and echoes every subsequent message back unchanged.
func Echo(env syscall.Environ) {
	startup, ok := env.Dep("dep:startup")
	if !ok {
		return
	}

	buf := make([]byte, kmessage.MaxDataLen)
	var outHandles []khandle.Id
	word := env.Env.Dispatch(syscall.OpChannelRecv, syscall.Args{
		A0:         int64(startup),
		Buf:        buf,
		OutHandles: &outHandles,
	})
	if word < 0 || len(outHandles) == 0 {
		return
	}
	client := outHandles[0]

	for {
		word := env.Env.Dispatch(syscall.OpChannelRecv, syscall.Args{
			A0:  int64(client),
			Buf: buf,
		})
		if word < 0 {
			if kerr.Code(word) == kerr.NoPeer {
				return
			}
			continue
		}
		info := kmessage.Unpack(uint32(word))
		payload := append([]byte(nil), buf[:info.DataLen]...)
		env.Env.Dispatch(syscall.OpChannelSend, syscall.Args{
			A0:  int64(client),
			A1:  echoKind,
			Buf: payload,
		})
	}
}
