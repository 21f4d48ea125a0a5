// Package shutdown orchestrates graceful process teardown: cleanup
// hooks run in priority order, the whole sequence races a timeout, and
// recoverable runtime errors are classified so they do not kill the
// process.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
)

// DefaultTimeout bounds the whole cleanup sequence.
const DefaultTimeout = 30 * time.Second

// Hook priorities. Lower numbers drain first.
const (
	PriorityHTTPServer  = 10
	PriorityCoordinator = 20
	PriorityUpstream    = 30
	PriorityRepository  = 40
	PriorityCache       = 50
)

// Hook is one cleanup step.
type Hook func(ctx context.Context) error

type registration struct {
	name     string
	priority int
	hook     Hook
}

// TaskCounter reports in-flight work for draining. Typically the task
// manager's processing count.
type TaskCounter func() int

// Orchestrator coordinates process teardown.
type Orchestrator struct {
	timeout time.Duration
	exit    func(code int)

	mu       sync.Mutex
	hooks    []registration
	counter  TaskCounter
	shutdown bool
}

// New creates an orchestrator. A non-positive timeout gets the default.
func New(timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{timeout: timeout, exit: os.Exit}
}

// Register adds a cleanup hook. Hooks run in ascending priority order.
func (o *Orchestrator) Register(name string, priority int, hook Hook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, registration{name: name, priority: priority, hook: hook})
}

// SetTaskCounter wires the drain source.
func (o *Orchestrator) SetTaskCounter(counter TaskCounter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counter = counter
}

// Listen blocks until a termination signal arrives, then runs the
// shutdown sequence.
func (o *Orchestrator) Listen() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("termination signal received", "signal", sig.String())
	o.Shutdown("signal:"+sig.String(), nil)
}

// Shutdown runs the cleanup sequence once and exits the process.
// A nil cause exits 0; anything else exits 1.
func (o *Orchestrator) Shutdown(source string, cause error) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	o.mu.Unlock()

	code := 0
	if cause != nil {
		code = 1
		logger.Error("shutting down on error",
			"source", source, logger.KeyError, cause.Error())
	} else {
		logger.Info("shutting down", "source", source)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.ExecuteCleanupHooks(ctx)
		close(done)
	}()

	select {
	case <-done:
		logger.Info("cleanup complete")
	case <-ctx.Done():
		logger.Warn("cleanup timed out", "timeout", o.timeout.String())
	}
	o.exit(code)
}

// ExecuteCleanupHooks runs every registered hook in ascending priority
// order. A failing hook is logged and does not skip later hooks.
func (o *Orchestrator) ExecuteCleanupHooks(ctx context.Context) {
	o.mu.Lock()
	hooks := make([]registration, len(o.hooks))
	copy(hooks, o.hooks)
	o.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].priority < hooks[j].priority })

	for _, reg := range hooks {
		start := time.Now()
		if err := reg.hook(ctx); err != nil {
			logger.Warn("cleanup hook failed",
				"hook", reg.name, logger.KeyError, err.Error())
			continue
		}
		logger.Debug("cleanup hook done",
			"hook", reg.name, logger.KeyDuration, logger.Duration(start))
	}
}

// DrainTasks polls the task counter until it reaches zero or the drain
// timeout expires. Returns true when fully drained.
func (o *Orchestrator) DrainTasks(ctx context.Context, timeout time.Duration) bool {
	o.mu.Lock()
	counter := o.counter
	o.mu.Unlock()
	if counter == nil {
		return true
	}

	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if counter() == 0 {
			return true
		}
		select {
		case <-drainCtx.Done():
			logger.Warn("drain timed out", "remaining", counter())
			return false
		case <-ticker.C:
		}
	}
}

// ForceExit bypasses cleanup entirely.
func (o *Orchestrator) ForceExit(code int) {
	logger.Warn("forced exit", "code", code)
	o.exit(code)
}

// recoverablePatterns marks transient upstream conditions that must not
// bring the process down when seen in an uncaught error.
var recoverablePatterns = []string{
	"TIMEOUT",
	"ETIMEDOUT",
	"ECONNREFUSED",
	"ECONNRESET",
	"EPIPE",
	"AUTH_KEY_DUPLICATED",
	"FLOOD",
	"Network error",
	"Connection lost",
	"Connection timeout",
	"Not connected",
}

// IsRecoverableError classifies an error as transient. Recoverable
// errors are logged and swallowed instead of triggering shutdown.
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range recoverablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// HandleFatal routes an unexpected error: recoverable ones are logged,
// anything else shuts the process down with exit code 1.
func (o *Orchestrator) HandleFatal(source string, err error) {
	if err == nil {
		return
	}
	if IsRecoverableError(err) {
		logger.Warn("recoverable error ignored",
			"source", source, logger.KeyError, err.Error())
		return
	}
	o.Shutdown(source, err)
}
