// Package proctree snapshots and signals a process and every descendant it
// has spawned, so stopping a dev server's root process also reaps any
// bundler/watcher children it left behind.
package proctree

import (
	"fmt"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// node is one process in a point-in-time snapshot of the OS process table.
type node struct {
	pid       int32
	ppid      int32
	createdAt int64 // ms since epoch, per gopsutil's CreateTime
}

// snapshot captures every process currently visible to the OS.
func snapshot() ([]node, error) {
	pids, err := process.Pids()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	nodes := make([]node, 0, len(pids))
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue // process exited between Pids() and NewProcess()
		}
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		createdAt, err := p.CreateTime()
		if err != nil {
			continue
		}
		nodes = append(nodes, node{pid: pid, ppid: ppid, createdAt: createdAt})
	}
	return nodes, nil
}

// Kill sends sig to rootPID and every process descended from it, in
// post-order (children before parents), guarding against PID reuse: a
// descendant is only followed if its create-time is at or after the
// root's, since a dead PID can be recycled by an unrelated process
// started after the root.
func Kill(rootPID int32, sig syscall.Signal) error {
	nodes, err := snapshot()
	if err != nil {
		return err
	}

	byPID := make(map[int32]node, len(nodes))
	for _, n := range nodes {
		byPID[n.pid] = n
	}

	root, ok := byPID[rootPID]
	if !ok {
		return nil // already gone
	}

	childrenOf := make(map[int32][]int32)
	for _, n := range nodes {
		childrenOf[n.ppid] = append(childrenOf[n.ppid], n.pid)
	}

	var order []int32
	var walk func(pid int32)
	walk = func(pid int32) {
		for _, child := range childrenOf[pid] {
			cn, ok := byPID[child]
			if !ok || cn.createdAt < root.createdAt {
				continue
			}
			walk(child)
		}
		order = append(order, pid)
	}
	walk(rootPID)

	for _, pid := range order {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue // already exited
		}
		_ = signalProcess(p, sig)
	}
	return nil
}

// signalProcess sends sig to the OS process gopsutil wraps.
func signalProcess(p *process.Process, sig syscall.Signal) error {
	switch sig {
	case syscall.SIGTERM:
		return p.Terminate()
	case syscall.SIGKILL:
		return p.Kill()
	default:
		return p.SendSignal(sig)
	}
}

// WaitExit polls until pid is no longer running or the deadline passes,
// returning true if the process exited in time.
func WaitExit(pid int32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		running, err := process.PidExists(pid)
		if err != nil || !running {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	running, err := process.PidExists(pid)
	return err != nil || !running
}
