package legacy

// PIT state lives entirely in the virtualizer's in-kernel timer device
// (kvm.CreatePIT2); this monitor never intercepts 0x40-0x43 because the
// kernel irqchip answers those ports without an exit. No stub registration
// is required here — kept as a named file for parity with pic.go, which
// does need a userspace stub for ports the in-kernel irqchip doesn't cover.
