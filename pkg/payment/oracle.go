// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package payment defines the external capacity oracle contract. Placement
// only asks whether a redundancy tier is affordable; actual billing and
// channel management live outside this system.
package payment

import (
	"context"
	"sync"
)

// Oracle answers affordability questions and settles charges.
type Oracle interface {
	// CanAfford reports whether the caller can pay the estimated cost.
	CanAfford(estimatedCost float64) bool

	// Charge settles a payment to a node for a stated purpose.
	Charge(ctx context.Context, nodeID string, amount float64, purpose string) error
}

// FixedOracle is an Oracle backed by a fixed balance. Used in tests and
// single-tenant deployments without a payment backend.
type FixedOracle struct {
	mu      sync.Mutex
	balance float64
}

// NewFixedOracle creates an oracle with the given spendable balance.
func NewFixedOracle(balance float64) *FixedOracle {
	return &FixedOracle{balance: balance}
}

func (o *FixedOracle) CanAfford(estimatedCost float64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return estimatedCost <= o.balance
}

func (o *FixedOracle) Charge(ctx context.Context, nodeID string, amount float64, purpose string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.balance -= amount
	return nil
}

// Balance returns the remaining balance.
func (o *FixedOracle) Balance() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.balance
}
