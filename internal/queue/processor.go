// Package queue implements the durable FIFO work queue backing every
// pipeline stage. Each processor owns exactly one queue state file and
// one worker goroutine; tasks are deduplicated on their key for as long
// as they are on disk or being executed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/task"
	"github.com/hbomb79/Sideline/pkg/logger"
)

// channelCapacity bounds the in-memory hand-off channel. The durable
// file remains authoritative; tasks beyond the buffer wait in an
// overflow list and are fed into the channel as earlier tasks finish.
const channelCapacity = 2048

// Handler executes one task. A returned error is logged and swallowed by
// the worker loop; the task is removed from the queue regardless, and any
// retry is the Auditor's responsibility.
type Handler interface {
	ProcessTask(ctx context.Context, t task.Task) error
}

// Processor is the durable, at-most-once, in-order worker shared by all
// stages. The on-disk queue file is always a superset of the in-memory
// channel plus the task currently executing, and equals the channel
// contents at quiescence.
type Processor struct {
	mu        sync.Mutex
	label     string
	statePath string
	handler   Handler
	log       logger.Logger
	events    event.EventDispatcher

	items   chan task.Envelope
	backlog []task.Envelope
	order   []string
	known   map[string]task.Envelope
}

// New constructs a processor and immediately restores its durable state:
// persisted tasks are loaded in file order into the in-memory channel.
func New(label string, statePath string, handler Handler) (*Processor, error) {
	p := &Processor{
		label:     label,
		statePath: statePath,
		handler:   handler,
		log:       logger.Get(label),
		items:     make(chan task.Envelope, channelCapacity),
		order:     make([]string, 0),
		known:     make(map[string]task.Envelope),
	}

	if err := p.restore(); err != nil {
		return nil, fmt.Errorf("failed to restore %s queue state: %w", label, err)
	}

	return p, nil
}

// SetEventSink makes the processor announce task completions on the
// given bus. A nil sink (the default) disables the announcements.
func (p *Processor) SetEventSink(events event.EventDispatcher) {
	p.events = events
}

// AddWork enqueues the task unless its key is already known to this
// stage (on disk or in flight). The updated queue is persisted before
// this method returns.
func (p *Processor) AddWork(t task.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := t.Key()
	if _, exists := p.known[key]; exists {
		p.log.Debugf("Task %s already queued or executing, ignoring\n", key)
		return nil
	}

	env := task.NewEnvelope(t)
	p.known[key] = env
	p.order = append(p.order, key)
	if err := p.persistLocked(); err != nil {
		delete(p.known, key)
		p.order = p.order[:len(p.order)-1]
		return err
	}

	p.deliverLocked(env)
	p.log.Emit(logger.NEW, "Queued task %s (%s)\n", key, env.ID)
	return nil
}

// deliverLocked hands the envelope to the worker channel, falling back
// to the overflow list when the channel is full. A non-empty overflow
// list always receives new work so FIFO order holds.
func (p *Processor) deliverLocked(env task.Envelope) {
	if len(p.backlog) > 0 {
		p.backlog = append(p.backlog, env)
		return
	}

	select {
	case p.items <- env:
	default:
		p.backlog = append(p.backlog, env)
	}
}

// refillLocked moves overflowed tasks into the worker channel while
// there is room.
func (p *Processor) refillLocked() {
	for len(p.backlog) > 0 {
		select {
		case p.items <- p.backlog[0]:
			p.backlog = p.backlog[1:]
		default:
			return
		}
	}
}

// Run is the single worker loop for this stage. It returns once the
// context is cancelled; a task received but not yet started when the
// shutdown races in stays on disk and is re-delivered on restart.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Emit(logger.NEW, "Worker started with %d restored task(s)\n", p.Size())

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-p.items:
			select {
			case <-ctx.Done():
				// Shutdown won the race; the task remains persisted.
				return nil
			default:
			}

			p.processItem(ctx, env)
		}
	}
}

// Size reports the number of durable tasks (queued plus executing).
func (p *Processor) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Tasks returns a snapshot of the durable queue in FIFO order.
func (p *Processor) Tasks() []task.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]task.Envelope, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, p.known[key])
	}
	return out
}

func (p *Processor) processItem(ctx context.Context, env task.Envelope) {
	key := env.Task.Key()
	p.log.Infof("Processing task %s\n", key)

	if err := p.handler.ProcessTask(ctx, env.Task); err != nil {
		p.log.Errorf("Task %s failed: %s\n", key, err.Error())
	} else {
		p.log.Emit(logger.SUCCESS, "Task %s complete\n", key)
	}

	p.complete(key)
	if p.events != nil {
		p.events.Dispatch(event.TaskComplete, key)
	}
}

// complete removes a finished task from the durable queue. Failures are
// removed too; re-delivery is driven by the Auditor's state scan, never
// by the queue itself.
func (p *Processor) complete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.known, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	if err := p.persistLocked(); err != nil {
		p.log.Errorf("Failed to persist queue state after task %s: %s\n", key, err.Error())
	}

	p.refillLocked()
}

func (p *Processor) persistLocked() error {
	envelopes := make([]task.Envelope, 0, len(p.order))
	for _, key := range p.order {
		envelopes = append(envelopes, p.known[key])
	}

	data, err := json.MarshalIndent(envelopes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}

	tmpPath := p.statePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}

	return os.Rename(tmpPath, p.statePath)
}

func (p *Processor) restore() error {
	data, err := os.ReadFile(p.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	var envelopes []task.Envelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return fmt.Errorf("queue state file %s is malformed: %w", p.statePath, err)
	}

	for _, env := range envelopes {
		key := env.Task.Key()
		if _, exists := p.known[key]; exists {
			continue
		}

		p.known[key] = env
		p.order = append(p.order, key)
		p.deliverLocked(env)
	}

	return nil
}
