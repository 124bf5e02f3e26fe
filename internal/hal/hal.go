// Package hal defines the narrow collaborator interface the SVC
// dispatcher delegates HAL modules (0x10-0x17) to, per spec.md §4.5 and
// §9. No real peripheral driver lives here — UART/CAN/GPIO/FRAM/FS/Timer
// implementations are external collaborators outside this core's scope
// (spec.md §1) — only the contract and a default ENOSYS stub.
package hal

// Errno mirrors the status codes a HAL module may return in R0.
type Errno uint32

const (
	OK     Errno = 0
	ENOSYS Errno = 0xFFFFFFFF
)

// Module is one HAL collaborator bound to an SVC module ID in 0x10..0x17.
type Module interface {
	// Call dispatches function fn with register arguments args (R1..R5)
	// and returns the status code for R0 plus one auxiliary result word
	// for R1, per the register ABI in spec.md §6.
	Call(fn uint8, args [5]uint32) (status Errno, r1 uint32)
}

// Registry maps module IDs 0x10..0x17 to bound collaborators. Unbound
// module IDs resolve to ENOSYS automatically, per spec.md §4.5.
type Registry struct {
	modules map[uint8]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[uint8]Module)}
}

// Bind attaches a collaborator to a module ID.
func (r *Registry) Bind(moduleID uint8, m Module) {
	r.modules[moduleID] = m
}

// Dispatch routes an SVC trap targeting a HAL module ID. Returns ENOSYS if
// no collaborator is bound.
func (r *Registry) Dispatch(moduleID, fn uint8, args [5]uint32) (Errno, uint32) {
	m, ok := r.modules[moduleID]
	if !ok {
		return ENOSYS, 0
	}
	return m.Call(fn, args)
}
