package queue

import (
	"fmt"

	"github.com/hbomb79/Sideline/internal/task"
)

// Router delivers tasks to the processor owning their queue tag. The
// orchestrator constructs and owns the single router; stages emit
// follow-up work through it rather than holding each other.
type Router struct {
	processors map[task.QueueType]*Processor
}

func NewRouter() *Router {
	return &Router{processors: make(map[task.QueueType]*Processor)}
}

func (r *Router) Register(queue task.QueueType, processor *Processor) {
	r.processors[queue] = processor
}

func (r *Router) Dispatch(t task.Task) error {
	processor, ok := r.processors[t.Queue()]
	if !ok {
		return fmt.Errorf("no processor registered for queue '%s'", t.Queue())
	}

	return processor.AddWork(t)
}
