package main

import "nyxkernel/kernel/kmain"

// multibootInfoPtr, kernelStart, kernelEnd and kernelPML4Phys are the
// arguments the rt0 assembly stores before jumping here. They are declared
// at package scope, rather than passed as literal zero arguments, so the Go
// compiler cannot inline this call away: it cannot prove the globals stay
// zero once assembly outside its view has written to them.
var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
	kernelPML4Phys   uintptr
)

// main is the only Go symbol that is visible (exported) from the rt0
// initialization code. It is a trampoline for the actual kernel entrypoint,
// kmain.Kmain, and is defined here rather than inlined so the Go compiler,
// unaware of the rt0 code that calls it, never optimizes it away.
//
// main is invoked by the rt0 assembly after it sets up the GDT and a
// minimal g0 struct, letting Go code run on the 4 KiB stack the assembly
// allocated.
//
// main is not expected to return. If it does, the rt0 code halts the CPU.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd, kernelPML4Phys)
}
