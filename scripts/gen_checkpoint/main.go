// Writes a small deterministic checkpoint shard for exercising the
// -load-weights path by hand.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nopperl/nanotron/internal/checkpoint"
)

func main() {
	path := flag.String("o", "test.ntcp", "output path")
	half := flag.Bool("f16", false, "store payloads in half precision")
	flag.Parse()

	dtype := checkpoint.F32
	if *half {
		dtype = checkpoint.F16
	}
	tensors := []checkpoint.Tensor{
		{Name: "embed.weight", Dims: []int{4, 2}, Data: []float32{
			0.5, -0.5, 1, -1, 0.25, -0.25, 2, -2,
		}},
		{Name: "final_norm.weight", Dims: []int{2}, Data: []float32{1, 1}},
	}
	err := checkpoint.Save(*path, checkpoint.Shard{PPSize: 1, TPSize: 1}, dtype, tensors)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%s, %d tensors)\n", *path, dtype, len(tensors))
}
