package agent

import (
	"context"
	"fmt"
	"time"
)

// State is a lifecycle state of an agent.
//
//	Idle → Installing → Installed | Failed
//	Failed → Installing
//	Installed → Activating → Active
//	any → Redundant
type State int

const (
	StateIdle State = iota
	StateInstalling
	StateInstalled
	StateFailed
	StateActivating
	StateActive
	StateRedundant
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateFailed:
		return "failed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Controlling reports whether the agent serves requests from its cache.
func (a *Agent) Controlling() bool {
	return a.State() == StateActive
}

// transition moves to the target state if the current state is one of from.
func (a *Agent) transition(to State, from ...State) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, f := range from {
		if a.state == f {
			a.logger.Info().
				Str("from", a.state.String()).
				Str("to", to.String()).
				Msg("Lifecycle transition")
			a.state = to
			agentTransitionsTotal.WithLabelValues(to.String()).Inc()
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, a.state, to)
}

// Install fetches every manifest asset and stores them in the agent's
// generation with a single atomic write. If any asset fails, nothing is
// written, the agent becomes Failed and Install may be called again.
//
// A successful install asks for immediate activation: there is no waiting
// phase for clients of the previous generation.
func (a *Agent) Install(ctx context.Context) error {
	if err := a.transition(StateInstalling, StateIdle, StateFailed); err != nil {
		return err
	}

	startTime := time.Now()
	entries, err := a.precache(ctx)
	if err == nil {
		if err = a.config.Store.PutAll(ctx, a.Generation(), entries); err != nil {
			err = fmt.Errorf("store manifest: %w", err)
		}
	}

	if err != nil {
		agentInstallsTotal.WithLabelValues("failure").Inc()
		a.logger.Error().
			Err(err).
			Dur("duration", time.Since(startTime)).
			Msg("Install failed")
		if terr := a.transition(StateFailed, StateInstalling); terr != nil {
			return terr
		}
		return fmt.Errorf("%w: generation %s: %w", ErrInstallFailed, a.Generation(), err)
	}

	if err := a.transition(StateInstalled, StateInstalling); err != nil {
		return err
	}
	agentInstallsTotal.WithLabelValues("success").Inc()
	a.logger.Info().
		Int("assets", len(entries)).
		Dur("duration", time.Since(startTime)).
		Msg("Install complete, skipping wait")
	return nil
}

// Activate deletes every generation other than the agent's own and starts
// controlling requests. Cleanup failures are logged and counted but never
// stop activation.
func (a *Agent) Activate(ctx context.Context) error {
	if err := a.transition(StateActivating, StateInstalled); err != nil {
		return err
	}

	a.deleteStaleGenerations(ctx)

	if err := a.transition(StateActive, StateActivating); err != nil {
		return err
	}
	a.logger.Info().Msg("Activated, claiming clients")
	return nil
}

func (a *Agent) deleteStaleGenerations(ctx context.Context) {
	names, err := a.config.Store.Names(ctx)
	if err != nil {
		agentCleanupFailuresTotal.Inc()
		a.logger.Warn().Err(err).Msg("Failed to list generations, skipping cleanup")
		return
	}

	for _, name := range names {
		if name == a.Generation() {
			continue
		}
		if _, err := a.config.Store.Drop(ctx, name); err != nil {
			agentCleanupFailuresTotal.Inc()
			a.logger.Warn().
				Err(err).
				Str("stale_generation", name).
				Msg("Failed to delete stale generation")
			continue
		}
		a.logger.Info().
			Str("stale_generation", name).
			Msg("Deleted stale generation")
	}
}

// Retire marks the agent Redundant. A retired agent stops controlling
// requests and starts no further cache writes; call Wait to drain the
// writes already running.
func (a *Agent) Retire() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateRedundant {
		return
	}
	a.logger.Info().
		Str("from", a.state.String()).
		Str("to", StateRedundant.String()).
		Msg("Lifecycle transition")
	a.state = StateRedundant
	agentTransitionsTotal.WithLabelValues(StateRedundant.String()).Inc()
}

// beginWrite registers a cache write. It fails once the agent is retired so
// that a superseded agent never writes into a generation that has been, or
// is about to be, deleted.
func (a *Agent) beginWrite() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateRedundant {
		return false
	}
	a.writes.Add(1)
	return true
}
