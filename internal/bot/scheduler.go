// internal/bot/scheduler.go
package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Evaluator runs one evaluation of token. It returns false once the token
// is no longer tracked, which retires the token's worker.
type Evaluator func(ctx context.Context, token string) bool

// Scheduler keeps one worker goroutine per active token. Each worker has
// a single-slot signal: pokes that arrive while an evaluation runs
// collapse into one follow-up run on the freshest snapshot.
type Scheduler struct {
	ctx    context.Context
	eval   Evaluator
	logger *zap.Logger

	mu      sync.Mutex
	workers map[string]chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler whose workers stop when ctx is done.
func NewScheduler(ctx context.Context, eval Evaluator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		ctx:     ctx,
		eval:    eval,
		logger:  logger.Named("scheduler"),
		workers: make(map[string]chan struct{}),
	}
}

// Poke requests an evaluation of token. It never blocks.
func (s *Scheduler) Poke(token string) {
	s.mu.Lock()
	if s.closed || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	sig, ok := s.workers[token]
	if !ok {
		sig = make(chan struct{}, 1)
		s.workers[token] = sig
		s.wg.Add(1)
		go s.work(token, sig)
	}
	s.mu.Unlock()

	select {
	case sig <- struct{}{}:
	default:
	}
}

// Sweep pokes every token.
func (s *Scheduler) Sweep(tokens []string) {
	for _, t := range tokens {
		s.Poke(t)
	}
}

// Active returns the number of live workers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Wait blocks until every worker has exited. Pokes after Wait are dropped.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) work(token string, sig chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.retire(token, sig, true)
			return
		case <-sig:
			if s.run(token) {
				continue
			}
			if s.retire(token, sig, false) {
				return
			}
		}
	}
}

// retire removes the worker unless a poke arrived meanwhile.
func (s *Scheduler) retire(token string, sig chan struct{}, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force && len(sig) > 0 {
		return false
	}
	if s.workers[token] == sig {
		delete(s.workers, token)
	}
	return true
}

func (s *Scheduler) run(token string) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Evaluation panicked",
				zap.String("token", token),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
			keep = true
		}
	}()
	return s.eval(s.ctx, token)
}
