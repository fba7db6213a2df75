package process

import (
	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// descendants returns every live descendant of pid. It must be called before
// the parent is signalled, while the children are still attached to it.
func descendants(pid int) []*gopsprocess.Process {
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*gopsprocess.Process
	for _, c := range children {
		out = append(out, c)
		out = append(out, descendants(int(c.Pid))...)
	}
	return out
}

// sweep kills each process that is still running and reports how many it killed.
// IsRunning compares creation times, so a recycled pid is left alone.
func sweep(procs []*gopsprocess.Process) int {
	killed := 0
	for _, p := range procs {
		running, err := p.IsRunning()
		if err != nil || !running {
			continue
		}
		if p.Kill() == nil {
			killed++
		}
	}
	return killed
}
