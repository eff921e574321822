package main

import "lmboot/kernel/kmain"

// multibootInfoPtr is populated by rt0 with the value of EBX on entry.
var multibootInfoPtr uintptr

// main is never invoked; rt0 calls kmain.Kmain directly. The call below keeps
// the Go linker from discarding Kmain, and passing a global prevents the
// compiler from inlining it into main.
func main() {
	kmain.Kmain(multibootInfoPtr)
}
