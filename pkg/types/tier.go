// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
)

// AbsoluteFloor is the hard minimum replica count for any chunk. Dropping
// below it is a critical health violation regardless of tier.
//
// Earlier protocol drafts describe the floor as "3x minimum"; the placement
// logic enforces 5 and that is the value adopted here.
const AbsoluteFloor = 5

// MinCustomCopies is the lowest replica count accepted for a custom tier.
const MinCustomCopies = 5

// ErrInvalidRedundancy indicates a redundancy preference outside policy
// bounds. Never retried; a caller configuration error.
var ErrInvalidRedundancy = errors.New("invalid redundancy preference")

// TierName identifies a redundancy tier from the fixed catalog.
type TierName string

const (
	TierMinimum  TierName = "minimum"
	TierStandard TierName = "standard"
	TierMaximum  TierName = "maximum"
	TierCustom   TierName = "custom"
)

// Tier is a named redundancy policy: how many copies of each chunk to keep
// and across how many distinct regions to spread them.
type Tier struct {
	Name           TierName `json:"name"`
	Copies         uint     `json:"copies"`
	Regions        uint     `json:"regions"`
	CostMultiplier float64  `json:"cost_multiplier"`
}

var tierCatalog = map[TierName]Tier{
	TierMinimum:  {Name: TierMinimum, Copies: 5, Regions: 2, CostMultiplier: 1.0},
	TierStandard: {Name: TierStandard, Copies: 15, Regions: 4, CostMultiplier: 1.8},
	TierMaximum:  {Name: TierMaximum, Copies: 30, Regions: 8, CostMultiplier: 3.0},
}

// TierByName looks up a tier from the fixed catalog.
func TierByName(name TierName) (Tier, bool) {
	t, ok := tierCatalog[name]
	return t, ok
}

// CustomTier builds a tier for an explicit replica count.
// regions = max(2, copies/5), costMultiplier = copies/5.
func CustomTier(copies uint) (Tier, error) {
	if copies < MinCustomCopies {
		return Tier{}, fmt.Errorf("%w: custom copies %d below minimum %d",
			ErrInvalidRedundancy, copies, MinCustomCopies)
	}
	regions := copies / 5
	if regions < 2 {
		regions = 2
	}
	return Tier{
		Name:           TierCustom,
		Copies:         copies,
		Regions:        regions,
		CostMultiplier: float64(copies) / 5,
	}, nil
}

// RedundancyPreference is the caller's requested durability for a file.
type RedundancyPreference struct {
	Tier             TierName `json:"tier"`
	CustomCopies     uint     `json:"custom_copies,omitempty"` // Used when Tier == custom
	PreferredRegions []string `json:"preferred_regions,omitempty"`
}

// Resolve maps the preference onto a concrete tier.
func (p RedundancyPreference) Resolve() (Tier, error) {
	if p.Tier == TierCustom {
		return CustomTier(p.CustomCopies)
	}
	t, ok := TierByName(p.Tier)
	if !ok {
		return Tier{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidRedundancy, p.Tier)
	}
	return t, nil
}
