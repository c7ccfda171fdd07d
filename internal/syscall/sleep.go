package syscall

import "github.com/bekos-project/bekos/internal/timing"

// sysSleep busy-waits against the timer device for args.A1 microseconds,
// matching the original's timing::spindelay_us rather than descheduling
// the caller (SPEC_FULL.md Open Question decision 3) — this kernel's
// scheduler has no blocked/waiting state to put a sleeping process in.
func sysSleep(timer *timing.Manager, args Args) (int64, error) {
	if timer == nil {
		return 0, nil
	}
	deadline := timer.NowNanos() + args.A1*1000
	for timer.NowNanos() < deadline {
	}
	return 0, nil
}
