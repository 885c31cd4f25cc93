// Package shutdown runs registered cleanup callbacks under a deadline.
package shutdown

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Handler func(ctx context.Context) error

type callback struct {
	name string
	fn   Handler
}

// Manager collects cleanup callbacks. Callbacks registered in the same
// stage run concurrently; stages run in the order they were opened.
type Manager struct {
	mu     sync.Mutex
	stages [][]callback
	log    logrus.FieldLogger
}

func NewManager(log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{log: log}
}

// OnShutdown registers fn in the current stage.
func (m *Manager) OnShutdown(name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stages) == 0 {
		m.stages = append(m.stages, nil)
	}
	last := len(m.stages) - 1
	m.stages[last] = append(m.stages[last], callback{name: name, fn: fn})
}

// Then opens a new stage: callbacks registered after it wait for every
// earlier stage to finish.
func (m *Manager) Then() *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stages) > 0 && len(m.stages[len(m.stages)-1]) > 0 {
		m.stages = append(m.stages, nil)
	}
	return m
}

// Shutdown runs every callback and blocks until they finish or ctx expires.
// It returns the number of callbacks that failed, or ctx's error on timeout.
func (m *Manager) Shutdown(ctx context.Context) (failed int, err error) {
	m.mu.Lock()
	stages := m.stages
	m.stages = nil
	m.mu.Unlock()

	if len(stages) == 0 {
		m.log.Info("no shutdown callbacks registered")
		return 0, nil
	}

	for _, stage := range stages {
		n, err := m.runStage(ctx, stage)
		failed += n
		if err != nil {
			return failed, err
		}
	}
	m.log.Info("shutdown complete")
	return failed, nil
}

func (m *Manager) runStage(ctx context.Context, stage []callback) (int, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	wg.Add(len(stage))
	for _, cb := range stage {
		go func(cb callback) {
			defer wg.Done()
			if err := cb.fn(ctx); err != nil {
				m.log.WithError(err).WithField("component", cb.name).Error("shutdown callback failed")
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		return failed, nil
	case <-ctx.Done():
		m.log.Warnf("shutdown timed out: %v", ctx.Err())
		mu.Lock()
		defer mu.Unlock()
		return failed, errors.Wrap(ctx.Err(), "shutdown")
	}
}
