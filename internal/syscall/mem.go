package syscall

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/process"
	"github.com/bekos-project/bekos/internal/space"
)

// maxAllocationSize caps a single Allocate call, matching the original's
// maximum_allocation_size.
const maxAllocationSize = 64 * 1024 * 1024

// sysAllocate places a fresh, zeroed, page-granular allocation in the
// caller's address space and returns its start address. args.A3 (flags)
// is accepted but unused, matching the original's sys_allocate, whose
// body never reads its own flags parameter either.
func sysAllocate(proc *process.Process, pool space.DMAPool, args Args) (int64, error) {
	address := args.A1
	size := uintptr(args.A2)

	if size > maxAllocationSize {
		return 0, errno.ENOMEM
	}
	if size%addr.PageSize != 0 {
		return 0, errno.EINVAL
	}

	var hint *addr.UserAddr
	if address != invalidAddress {
		// The original masks against PAGE_SIZE itself rather than
		// PAGE_SIZE-1, which only ever tests one bit; this checks real
		// page alignment instead.
		if address%addr.PageSize != 0 {
			return 0, errno.EINVAL
		}
		h := addr.UserAddr(address)
		hint = &h
	}

	backing, err := space.NewOwnedAllocation(pool, size)
	if err != nil {
		return 0, err
	}
	region, err := proc.Userspace().Space.PlaceRegion(hint, space.OpRead|space.OpWrite, "Allocate", backing)
	if err != nil {
		return 0, err
	}
	return int64(region.Start), nil
}

func sysDeallocate(proc *process.Process, args Args) (int64, error) {
	if err := proc.Userspace().Space.DeallocateUserspaceRegion(addr.UserAddr(args.A1), uintptr(args.A2)); err != nil {
		return 0, err
	}
	return 0, nil
}
