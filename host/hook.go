package host

// Signature describes the native calling convention of a function whose
// call target is replaced.
type Signature struct {
	Return string
	Params []string
	ABI    string
}

// Trampoline is a native-callable entry created by the host. It must stay
// referenced for as long as any patched slot points at it.
type Trampoline interface {
	Addr() uint64
	Close() error
}

// Hook builds the trampoline that replaces a call target. original is the
// target currently stored in the slot being patched.
type Hook interface {
	Bind(sig Signature, original uint64) (Trampoline, error)
}
