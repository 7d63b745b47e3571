package jit

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/ir"
)

// CompileTask is one unit of work submitted to the parallel compile queue
// (§4.F "parallel compilation").
type CompileTask struct {
	PC        archx.GuestAddr
	Block     *ir.Block
	Level     OptLevel
	Priority  uint32
	submitted time.Time
}

// CompileResult is what a worker produces for a task.
type CompileResult struct {
	PC      archx.GuestAddr
	Program Program
	Block   *CompiledBlock
	Err     error
}

const agingBoostAfter = 500 * time.Millisecond

// taskItem wraps a CompileTask with its heap index for container/heap.
type taskItem struct {
	task  CompileTask
	index int
}

// taskHeap is a max-heap on effective priority (declared priority plus an
// aging boost for tasks that have waited past agingBoostAfter), which is
// how the queue stays starvation-free (§8 invariant).
type taskHeap []*taskItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	return effectivePriority(h[i].task) > effectivePriority(h[j].task)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	item := x.(*taskItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func effectivePriority(t CompileTask) uint64 {
	p := uint64(t.Priority)
	if wait := time.Since(t.submitted); wait > agingBoostAfter {
		boosts := uint64(wait / agingBoostAfter)
		p += boosts * 10
	}
	return p
}

// CompileQueue is the single-producer, multi-consumer work queue in front
// of the parallel compiler: a shared min^-1-heap (by effective priority)
// drained by N workers, with a synchronous fallback when there are zero
// workers or the channel is disconnected (§4.F "synchronous-compile
// fallback").
type CompileQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	pq   taskHeap
	closed bool

	compiler *Compiler
	sem      *semaphore.Weighted
	workers  int
	logger   *slog.Logger

	results   chan CompileResult
	wg        sync.WaitGroup
}

// NewCompileQueue starts `workers` goroutines pulling from the shared
// priority heap. workers == 0 means every Submit runs synchronously on
// the caller's goroutine instead (no background compilation at all).
func NewCompileQueue(compiler *Compiler, workers int) *CompileQueue {
	q := &CompileQueue{
		compiler: compiler,
		sem:      semaphore.NewWeighted(int64(max(workers, 1))),
		workers:  workers,
		logger:   slog.Default(),
		results:  make(chan CompileResult, 64),
	}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.workerLoop()
	}
	return q
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Submit enqueues a task for background compilation, or compiles it
// synchronously if the queue has no workers.
func (q *CompileQueue) Submit(task CompileTask) {
	task.submitted = time.Now()
	if q.workers == 0 {
		q.results <- q.compileSync(task)
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.results <- q.compileSync(task)
		return
	}
	heap.Push(&q.pq, &taskItem{task: task})
	q.cond.Signal()
	q.mu.Unlock()
}

// Results exposes completed compiles for the execution driver to install
// into the code cache.
func (q *CompileQueue) Results() <-chan CompileResult { return q.results }

func (q *CompileQueue) workerLoop() {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		q.mu.Lock()
		for q.pq.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.pq.Len() == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.pq).(*taskItem)
		q.mu.Unlock()

		if err := q.sem.Acquire(ctx, 1); err != nil {
			q.logger.Error("jit worker failed to acquire compile slot", "pc", item.task.PC, "error", err)
			q.results <- CompileResult{PC: item.task.PC, Err: err}
			continue
		}
		res := q.compileSync(item.task)
		q.sem.Release(1)
		q.results <- res
	}
}

func (q *CompileQueue) compileSync(task CompileTask) CompileResult {
	prog, blk, err := q.compiler.Compile(task.Block, task.Level)
	if err != nil {
		q.logger.Error("jit compile failed", "pc", task.PC, "level", task.Level, "error", err)
	}
	return CompileResult{PC: task.PC, Program: prog, Block: blk, Err: err}
}

// Close stops accepting new background work and joins every worker
// (the Drop-equivalent join, §4.F "clean shutdown").
func (q *CompileQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
	close(q.results)
}

func (q *CompileQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}
