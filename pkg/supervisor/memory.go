package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/rhuss/aufruf/pkg/api"
)

// memorySampleInterval is how often the worker's resident set is read while
// an invocation is in flight.
const memorySampleInterval = 100 * time.Millisecond

// WatchMemory samples the worker's resident set size into inv until stop is
// closed. The highest sample becomes the invocation's reported memory use.
// A final sample is taken at stop so short invocations still get one.
func (s *Supervisor) WatchMemory(inv *api.Invocation, stop <-chan struct{}) {
	s.sampleMemory(inv)

	ticker := time.NewTicker(memorySampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			s.sampleMemory(inv)
			return
		case <-ticker.C:
			s.sampleMemory(inv)
		}
	}
}

func (s *Supervisor) sampleMemory(inv *api.Invocation) {
	pid := s.Pid()
	if pid == 0 {
		return
	}
	if rss := residentSet(pid); rss > 0 {
		inv.ObserveMemory(rss)
	}
}

// residentSet reads the RSS of pid, or 0 when it cannot be read.
func residentSet(pid int) uint64 {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	mi, err := proc.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}
