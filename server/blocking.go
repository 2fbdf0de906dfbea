package server

import (
	"sync"

	logger "github.com/moontrade/log"
	"github.com/panjf2000/ants/v2"

	"github.com/moontrade/netcore/config"
	"github.com/moontrade/netcore/pkg/util"
)

var (
	blockingOnce sync.Once
	blockingPool *ants.Pool
)

func blocking() *ants.Pool {
	blockingOnce.Do(func() {
		p, err := ants.NewPool(
			config.BlockingWorkers,
			ants.WithPanicHandler(func(e interface{}) {
				logger.WarnErr(util.PanicToError(e), "blocking task panic")
			}),
		)
		if err != nil {
			panic(err)
		}
		blockingPool = p
	})
	return blockingPool
}

// RunBlocking executes fn on the shared blocking pool, for work that would
// otherwise stall a service goroutine: filesystem access, DNS, CPU-heavy
// transforms. Panics are isolated to the task. The pool is sized by
// config.BlockingWorkers and shared process-wide.
func RunBlocking(fn func()) error {
	if fn == nil {
		return nil
	}
	return blocking().Submit(fn)
}
