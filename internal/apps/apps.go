// Package apps implements spec Section 3.15's static in-kernel app
// registry: a fixed list of {name, entry point} pairs. cmd/kernel spawns
// the bundled apps as scheduler threads by calling their entry points
// directly, each with its own handle table and syscall.Env; no vsyscall
// page is built for them. The three bundled apps (hello, echo, ping/pong) are test
// fixtures for the channel/poll path end-to-end, adapted from
// original_source's apps/bin/hello, apps/echo, and apps/ping+apps/pong —
// all explicitly non-privileged: none of them touch a VCpu, HvSpace, or
// virtio handle.
package apps

import "example.com/rvkernel/internal/syscall"

// AppSpec names one bundled app and its entry point, spec Section 3.15's
// exact shape.
type AppSpec struct {
	Name  string
	Entry func(syscall.Environ)
}

// Registry lists the bundled apps. cmd/kernel's boot sequence does not read
// it; it spawns the same four apps by name, wiring each one's dependency
// handles itself. Order is deposit order, not load order; echo and pong both wait
// on a startup dependency handle before doing anything, so they can be
// spawned before their respective peers.
var Registry = []AppSpec{
	{Name: "hello", Entry: Hello},
	{Name: "echo", Entry: Echo},
	{Name: "ping", Entry: Ping},
	{Name: "pong", Entry: Pong},
}
