package main

import "fmt"

func checkFresh() {
	r := &R{st: stateUnder5}
	seq := []uint32{0, 1_000_000_000, 2_000_000_000, 100_000_000}
	var prev int64 = -1
	for i, ticks := range seq {
		ns := r.AbsoluteNS(ticks, 10)
		fmt.Println("fresh", i, ticks, ns, ns > prev)
		prev = ns
	}
	fmt.Println("fresh rollovers", r.rollovers)
}
