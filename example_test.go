package wasmfuel_test

import (
	"context"
	"fmt"
	"log"

	"github.com/wasmfuel/wasmfuel"
)

// This is an example of metering a WebAssembly function that calls back into Go.
func Example() {
	// Choose the context to use for function calls.
	ctx := context.Background()

	engine, err := wasmfuel.NewEngine(wasmfuel.NewEngineConfig().WithFuelConsumption(true))
	if err != nil {
		log.Panicln(err)
	}
	defer engine.Close()

	module, err := engine.CompileModule(ctx, []byte(`(module
	(import "host" "host_func" (func $host_hello (param i32)))
	(func (export "hello")
		i32.const 3
		call $host_hello
	)
)`))
	if err != nil {
		log.Panicln(err)
	}

	// The store holds the fuel and the host state, here an int.
	store := wasmfuel.NewStore(engine, 4)
	if err = store.AddFuel(1_000); err != nil {
		log.Panicln(err)
	}

	linker := wasmfuel.NewLinker[int](engine)
	err = linker.FuncWrap("host", "host_func", func(caller *wasmfuel.Caller[int], param int32) {
		fmt.Println("Got", param, "from WebAssembly")
		fmt.Println("My host state is", caller.Data())
	})
	if err != nil {
		log.Panicln(err)
	}

	instance, err := linker.Instantiate(ctx, store, module)
	if err != nil {
		log.Panicln(err)
	}

	hello, err := wasmfuel.GetTypedFunc[func() error](store, instance, "hello")
	if err != nil {
		log.Panicln(err)
	}
	if err = hello(); err != nil {
		log.Panicln(err)
	}

	consumed, _ := store.FuelConsumed()
	fmt.Println("fuel consumed:", consumed)

	// Output:
	// Got 3 from WebAssembly
	// My host state is 4
	// fuel consumed: 2
}
