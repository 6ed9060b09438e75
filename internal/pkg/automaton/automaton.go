// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package automaton implements a one-shot state automaton (state machine).
package automaton

import (
	"context"
	"fmt"

	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"
)

// StateFunc is a function that implements a state in the state automaton.
//
// Each state in the automaton is implemented by a function which returns the next state and an error.
// If the error returned is tagged with Stop, the state automaton terminates with nil error.
// If the state returns any other error, the state automaton terminates with that error.
// If the returned next state is nil, the state automaton terminates and returns nil.
type StateFunc[T any] func(ctx context.Context, logger *zap.Logger, v T) (StateFunc[T], error)

// Automaton is a state automaton which runs states until a terminal state is reached.
//
// Type T holds a context value that is passed to each state function.
type Automaton[T any] struct {
	state StateFunc[T]
	value T
	steps int
}

// New creates a new automaton with the specified initialState and value.
func New[T any](initialState StateFunc[T], v T) *Automaton[T] {
	return &Automaton[T]{
		state: initialState,
		value: v,
	}
}

// Stop is an error tag that indicates that the automaton should terminate successfully.
type Stop struct{}

// Run is the entrypoint to the state automaton.
//
// The context is checked between states, so cancellation aborts the automaton before the next state starts.
func (automaton *Automaton[T]) Run(ctx context.Context, logger *zap.Logger) error {
	for {
		if automaton.state == nil {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("aborted after %d steps: %w", automaton.steps, err)
		}

		nextState, err := automaton.state(ctx, logger, automaton.value)
		automaton.steps++

		if err != nil {
			if xerrors.TagIs[Stop](err) {
				logger.Debug("automaton stopped", zap.Error(err))

				automaton.state = nil

				return nil
			}

			return err
		}

		automaton.state = nextState
	}
}
