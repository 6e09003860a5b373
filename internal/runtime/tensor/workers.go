package tensor

import (
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
)

// workers bounds how many batch entries a kernel such as MatMul computes at
// once. It is set from runtime.workers at startup.
var workers atomic.Int32

func init() {
	workers.Store(1)
}

// SetWorkers sets the kernel fan-out. n <= 1 computes batch entries one after
// another.
func SetWorkers(n int) {
	workers.Store(int32(min(max(n, 1), 1<<16)))
}

func kernelWorkers() int {
	return int(workers.Load())
}

// eachBatch calls fn for every index in [0, n), spreading calls over the
// configured workers. fn must only write data owned by its index.
func eachBatch(n int, fn func(i int)) {
	w := kernelWorkers()
	if w <= 1 || n <= 1 {
		for i := range n {
			fn(i)
		}

		return
	}

	p := pool.New().WithMaxGoroutines(min(w, n))
	for i := range n {
		p.Go(func() { fn(i) })
	}

	p.Wait()
}
