package wasm

// HostFunction is a function implemented in Go, independent of any store until bound with
// NewHostFunctionInstance.
type HostFunction struct {
	Type *FunctionType

	// Call reads params from the front of stack and writes results to it. stack has ParamNumInUint64 values.
	// A non-nil error traps the calling guest code, see AsTrap.
	Call func(ctx *CallContext, stack []uint64) error
}

// NewHostFunction returns a host function of the given type backed by a raw stack callback.
func NewHostFunction(params, results []ValueType, fn func(ctx *CallContext, stack []uint64) error) (*HostFunction, error) {
	if err := validateValueTypes(params, "param"); err != nil {
		return nil, err
	}
	if err := validateValueTypes(results, "result"); err != nil {
		return nil, err
	}
	ft := &FunctionType{Params: append([]ValueType(nil), params...), Results: append([]ValueType(nil), results...)}
	return &HostFunction{Type: ft, Call: fn}, nil
}
