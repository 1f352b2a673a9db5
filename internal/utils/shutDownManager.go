package utils

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

type ShutdownManager struct {
	cancelFunc    context.CancelFunc
	shutdownTasks []namedTask
	mu            sync.Mutex
	log           *logrus.Entry
	done          chan struct{}
	once          sync.Once
}

type namedTask struct {
	name string
	fn   func(context.Context) error
}

func NewShutdownManager(ctx context.Context, log *logrus.Logger) (context.Context, *ShutdownManager) {
	ctx, cancel := context.WithCancel(ctx)
	manager := &ShutdownManager{
		cancelFunc: cancel,
		log:        log.WithField("component", "shutdown"),
		done:       make(chan struct{}),
	}
	return ctx, manager
}

// Register adds a task. Tasks run in reverse registration order so later
// layers (HTTP) stop before the stores they depend on.
func (sm *ShutdownManager) Register(name string, task func(context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownTasks = append(sm.shutdownTasks, namedTask{name: name, fn: task})
}

func (sm *ShutdownManager) StartListening() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		sm.log.WithField("signal", sig.String()).Info("received signal")
		sm.Shutdown(15 * time.Second)
	}()
}

func (sm *ShutdownManager) Shutdown(timeout time.Duration) {
	sm.once.Do(func() { sm.shutdown(timeout) })
}

func (sm *ShutdownManager) shutdown(timeout time.Duration) {
	sm.cancelFunc()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sm.mu.Lock()
	for i := len(sm.shutdownTasks) - 1; i >= 0; i-- {
		task := sm.shutdownTasks[i]
		sm.log.WithField("task", task.name).Info("stopping")
		if err := task.fn(ctx); err != nil {
			sm.log.WithError(err).WithField("task", task.name).Error("error during shutdown")
		}
	}
	sm.shutdownTasks = nil
	sm.mu.Unlock()

	sm.log.Info("graceful shutdown complete")
	close(sm.done)
}

// Wait blocks until Shutdown has finished.
func (sm *ShutdownManager) Wait() {
	<-sm.done
}
