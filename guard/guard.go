// Package guard keeps two batch runs from sharing the cache file.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

var ErrAlreadyRunning = errors.New("another instance is already running")

// Proc is the part of a process table entry the guard looks at.
type Proc struct {
	Pid  int32
	Name string
}

// Lister returns a snapshot of the process table.
type Lister func(ctx context.Context) ([]Proc, error)

// Guard detects sibling processes by executable name. The check is a scan,
// not a lock: two instances started at the same moment can both pass.
type Guard struct {
	name   string
	pid    int32
	list   Lister
	logger *log.Entry
}

// New builds a guard for the current process. The own name is read from
// the process table, like the names it is compared with, so a binary
// started through a symlink matches its siblings.
func New(ctx context.Context, logger *log.Entry) (*Guard, error) {
	return newForPid(ctx, int32(os.Getpid()), SystemProcesses, logger)
}

func newForPid(ctx context.Context, pid int32, list Lister, logger *log.Entry) (*Guard, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("reading process %d: %w", pid, err)
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading name of process %d: %w", pid, err)
	}
	return NewWithLister(name, pid, list, logger), nil
}

func NewWithLister(name string, pid int32, list Lister, logger *log.Entry) *Guard {
	return &Guard{
		name:   name,
		pid:    pid,
		list:   list,
		logger: logger,
	}
}

// TryAcquire returns ErrAlreadyRunning if any other process carries the
// same executable name.
func (g *Guard) TryAcquire(ctx context.Context) error {
	procs, err := g.list(ctx)
	if err != nil {
		return fmt.Errorf("listing processes: %w", err)
	}

	for _, p := range procs {
		if p.Pid == g.pid || p.Name != g.name {
			continue
		}
		g.logger.WithFields(log.Fields{
			"pid":  p.Pid,
			"name": p.Name,
		}).Debug("Found sibling process")
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, p.Pid)
	}

	return nil
}

// SystemProcesses reads the process table through gopsutil. Processes that
// exit mid-scan or hide their name are skipped.
func SystemProcesses(ctx context.Context) ([]Proc, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	procs := make([]Proc, 0, len(all))
	for _, p := range all {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		procs = append(procs, Proc{Pid: p.Pid, Name: name})
	}
	return procs, nil
}
