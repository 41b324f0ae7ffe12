package apps

import "example.com/rvkernel/internal/syscall"

// Hello is adapted from original_source's apps/bin/hello: it logs one line
// and exits, exercising nothing but LOG_WRITE and THREAD_EXIT.
func Hello(env syscall.Environ) {
	env.Env.Dispatch(syscall.OpLogWrite, syscall.Args{Buf: []byte("hello: Hello World from hello app!\n")})
	env.Env.Dispatch(syscall.OpThreadExit, syscall.Args{})
}
