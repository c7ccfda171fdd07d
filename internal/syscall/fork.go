package syscall

import (
	"github.com/bekos-project/bekos/internal/pagetable"
	"github.com/bekos-project/bekos/internal/process"
)

func sysFork(proc *process.Process, mgr *process.Manager, tables pagetable.TableSource) (int64, error) {
	child, err := proc.Fork(mgr, tables)
	if err != nil {
		return 0, err
	}
	return child.Pid(), nil
}
