package transcoder

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// StrategyOutcome records one attempt in a strategy ladder. For liveness
// ladders OK means the strategy saw the process alive; for termination
// ladders OK means the strategy confirmed the exit.
type StrategyOutcome struct {
	Strategy string
	OK       bool
	Err      error
}

// livenessStrategy answers whether a process is still running. Strategies
// run in order; the first one reporting dead settles the question.
type livenessStrategy struct {
	name  string
	alive func(p Process) (bool, error)
}

// terminationStrategy attempts to bring a process down within the grace
// period. Strategies run in order until one confirms the exit.
type terminationStrategy struct {
	name string
	stop func(p Process, grace time.Duration) error
}

var errStopTimeout = errors.New("process did not exit within grace period")

// defaultLivenessLadder checks the handle state first (authoritative once
// the waiter has reaped the exit), then asks the kernel with signal 0.
func defaultLivenessLadder() []livenessStrategy {
	return []livenessStrategy{
		{
			name: "exited",
			alive: func(p Process) (bool, error) {
				select {
				case <-p.Done():
					return false, p.Err()
				default:
					return true, nil
				}
			},
		},
		{
			name: "signal0",
			alive: func(p Process) (bool, error) {
				if err := p.Signal(syscall.Signal(0)); err != nil {
					return false, err
				}
				return true, nil
			},
		},
	}
}

// defaultTerminationLadder interrupts first so ffmpeg can finalize its
// playlist, then falls back to SIGKILL.
func defaultTerminationLadder() []terminationStrategy {
	return []terminationStrategy{
		{
			name: "interrupt",
			stop: func(p Process, grace time.Duration) error {
				sigErr := p.Signal(os.Interrupt)
				select {
				case <-p.Done():
					return nil
				case <-time.After(grace):
					if sigErr != nil {
						return fmt.Errorf("signaling interrupt: %w", sigErr)
					}
					return errStopTimeout
				}
			},
		},
		{
			name: "kill",
			stop: func(p Process, grace time.Duration) error {
				killErr := p.Kill()
				select {
				case <-p.Done():
					return nil
				case <-time.After(grace):
					if killErr != nil {
						return fmt.Errorf("sending kill: %w", killErr)
					}
					return errStopTimeout
				}
			},
		},
	}
}

// checkAlive runs the liveness ladder. The outcome slice records every
// strategy consulted, in order.
func checkAlive(ladder []livenessStrategy, p Process) (bool, []StrategyOutcome) {
	outcomes := make([]StrategyOutcome, 0, len(ladder))
	for _, strat := range ladder {
		alive, err := strat.alive(p)
		outcomes = append(outcomes, StrategyOutcome{Strategy: strat.name, OK: alive, Err: err})
		if !alive {
			return false, outcomes
		}
	}
	return true, outcomes
}

// terminate runs the termination ladder until a strategy confirms the exit.
func terminate(ladder []terminationStrategy, p Process, grace time.Duration) (bool, []StrategyOutcome) {
	outcomes := make([]StrategyOutcome, 0, len(ladder))
	for _, strat := range ladder {
		err := strat.stop(p, grace)
		outcomes = append(outcomes, StrategyOutcome{Strategy: strat.name, OK: err == nil, Err: err})
		if err == nil {
			return true, outcomes
		}
	}
	return false, outcomes
}
