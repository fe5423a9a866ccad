package recovery

import (
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/linluma/feedwatch/watchdog/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Trigger requests recovery of the monitored service. Implementations must
// not block the caller. The reason is for diagnostics only.
type Trigger interface {
	Trigger(reason string)
}

// Func adapts a plain function to Trigger
type Func func(reason string)

// Trigger calls f(reason)
func (f Func) Trigger(reason string) {
	f(reason)
}

// Runner executes a shell command and returns its combined output
type Runner func(command string) ([]byte, error)

// Command issues the configured restart command in the background.
// Failures are logged and counted, never retried.
type Command struct {
	command string
	run     Runner
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// CommandOption configures a Command
type CommandOption func(*Command)

// WithRunner replaces the shell runner
func WithRunner(run Runner) CommandOption {
	return func(c *Command) {
		c.run = run
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) CommandOption {
	return func(c *Command) {
		c.logger = logger
	}
}

// NewCommand creates a restart trigger for command, run through sh -c
func NewCommand(command string, opts ...CommandOption) *Command {
	c := &Command{
		command: command,
		run:     shellRunner,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger logs the reason and starts the restart command without waiting
func (c *Command) Trigger(reason string) {
	c.logger.Warn().Str("reason", reason).Str("command", c.command).Msg("🔄 Restarting connectors")
	metrics.RecordRecoveryCommand(metrics.RecoveryIssued)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		output, err := c.run(c.command)
		if err != nil {
			c.logger.Error().
				Err(err).
				Str("reason", reason).
				Str("output", strings.TrimSpace(string(output))).
				Msg("❌ Restart failed")
			metrics.RecordRecoveryCommand(metrics.RecoveryFailed)
			return
		}

		c.logger.Info().Str("reason", reason).Msg("✅ Restart command executed successfully")
		metrics.RecordRecoveryCommand(metrics.RecoverySucceeded)
	}()
}

// Wait blocks until in-flight commands finish or timeout elapses.
// It reports whether all commands finished.
func (c *Command) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func shellRunner(command string) ([]byte, error) {
	return exec.Command("sh", "-c", command).CombinedOutput()
}

// Gate forwards triggers until it is closed. After Close returns no
// further Trigger call reaches the wrapped trigger.
type Gate struct {
	next   Trigger
	mutex  sync.RWMutex
	closed bool
}

// NewGate wraps next
func NewGate(next Trigger) *Gate {
	return &Gate{next: next}
}

// Trigger forwards reason unless the gate is closed
func (g *Gate) Trigger(reason string) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	if g.closed {
		return
	}
	g.next.Trigger(reason)
}

// Close stops forwarding and waits for in-progress forwards to return
func (g *Gate) Close() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.closed = true
}
