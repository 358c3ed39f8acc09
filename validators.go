package sso

import (
	"context"
)

// Validator is one named check in an ordered chain. The first failing
// validator decides the error an operation reports.
type Validator[T any] struct {
	Name  string
	Check func(ctx context.Context, in *T) error
}

// ValidatorChain runs validators in declaration order.
type ValidatorChain[T any] []Validator[T]

// Run stops at the first failure and returns its error.
func (c ValidatorChain[T]) Run(ctx context.Context, in *T) error {
	for _, v := range c {
		if err := v.Check(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// Names lists the validators in the order they run.
func (c ValidatorChain[T]) Names() []string {
	names := make([]string, 0, len(c))
	for _, v := range c {
		names = append(names, v.Name)
	}
	return names
}
