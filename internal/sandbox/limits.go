package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// maxStringLength caps the strings the String.prototype builders may produce.
// Other allocations are bounded only by the hook timeout.
const maxStringLength = 8 << 20

// limitStringBuilders replaces String.prototype.repeat, padStart and padEnd
// with versions that throw a RangeError instead of building a string longer
// than maxStringLength.
func limitStringBuilders(rt *goja.Runtime) error {
	proto := rt.Get("String").ToObject(rt).Get("prototype").ToObject(rt)
	rangeError := rt.Get("RangeError")

	guard := func(name string, size func(call goja.FunctionCall) float64) error {
		original, ok := goja.AssertFunction(proto.Get(name))
		if !ok {
			return fmt.Errorf("String.prototype.%s is not a function", name)
		}
		return proto.Set(name, func(call goja.FunctionCall) goja.Value {
			if n := size(call); n > maxStringLength {
				ctor, _ := rangeError.(*goja.Object)
				exc, err := rt.New(ctor, rt.ToValue(fmt.Sprintf("String.prototype.%s result exceeds %d characters", name, maxStringLength)))
				if err != nil {
					panic(rt.NewGoError(err))
				}
				panic(exc)
			}
			value, err := original(call.This, call.Arguments...)
			if exc, ok := err.(*goja.Exception); ok {
				panic(exc)
			}
			if err != nil {
				panic(rt.NewGoError(err))
			}
			return value
		})
	}

	repeatSize := func(call goja.FunctionCall) float64 {
		count := call.Argument(0).ToFloat()
		if count <= 0 {
			return 0
		}
		return float64(len(call.This.String())) * count
	}
	padSize := func(call goja.FunctionCall) float64 {
		return call.Argument(0).ToFloat()
	}

	if err := guard("repeat", repeatSize); err != nil {
		return err
	}
	if err := guard("padStart", padSize); err != nil {
		return err
	}
	return guard("padEnd", padSize)
}
