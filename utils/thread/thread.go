//go:build linux

// Package thread adjusts the OS thread the calling goroutine runs on. Callers
// lock the goroutine to its thread first with runtime.LockOSThread.
package thread

/*
   #define _GNU_SOURCE
   #include <sched.h>
   #include <pthread.h>

   int set_cpu_affinity(int core_id) {
       cpu_set_t cpuset;
       CPU_ZERO(&cpuset);
       CPU_SET(core_id, &cpuset);
       return pthread_setaffinity_np(pthread_self(), sizeof(cpu_set_t), &cpuset);
   }
*/
import "C"

import (
	"syscall"

	"github.com/pkg/errors"
)

// SetCPUAffinity restricts the current thread to one CPU core.
func SetCPUAffinity(coreID int) error {
	if coreID < 0 {
		return errors.Errorf("invalid core %d", coreID)
	}
	if rc := C.set_cpu_affinity(C.int(coreID)); rc != 0 {
		return errors.Wrapf(syscall.Errno(rc), "can not pin thread to core %d", coreID)
	}
	return nil
}
