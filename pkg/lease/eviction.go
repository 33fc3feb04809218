package lease

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gpulease/gpulease/pkg/config"
	"github.com/gpulease/gpulease/pkg/model"
)

var ErrUnsatisfiable = errors.New("eviction cannot free enough capacity")

// EvictionPolicy orders eviction candidates; Less reports whether a is
// evicted before b. Candidates always have a non-nil ActivatedAt.
type EvictionPolicy struct {
	Name string
	Less func(a, b *model.Model) bool
}

// NewestFirst evicts the most recently activated eligible model first.
var NewestFirst = EvictionPolicy{
	Name: config.EvictionNewestFirst,
	Less: func(a, b *model.Model) bool {
		if !a.ActivatedAt.Equal(*b.ActivatedAt) {
			return a.ActivatedAt.After(*b.ActivatedAt)
		}
		return a.ID < b.ID
	},
}

// OldestFirst evicts the longest-running eligible model first.
var OldestFirst = EvictionPolicy{
	Name: config.EvictionOldestFirst,
	Less: func(a, b *model.Model) bool {
		if !a.ActivatedAt.Equal(*b.ActivatedAt) {
			return a.ActivatedAt.Before(*b.ActivatedAt)
		}
		return a.ID < b.ID
	},
}

func PolicyByName(name string) (EvictionPolicy, error) {
	switch name {
	case "", config.EvictionNewestFirst:
		return NewestFirst, nil
	case config.EvictionOldestFirst:
		return OldestFirst, nil
	default:
		return EvictionPolicy{}, fmt.Errorf("unknown eviction policy %q", name)
	}
}

// Selector picks which active models to deactivate. Models activated within
// Immunity of now are never picked.
type Selector struct {
	Immunity time.Duration
	Policy   EvictionPolicy
}

func NewSelector(immunity time.Duration, policy EvictionPolicy) *Selector {
	return &Selector{Immunity: immunity, Policy: policy}
}

func (s *Selector) Eligible(m *model.Model, now time.Time) bool {
	if !m.Active || m.ActivatedAt == nil {
		return false
	}
	return now.Sub(*m.ActivatedAt) > s.Immunity
}

func (s *Selector) candidates(active []model.Model, now time.Time) []model.Model {
	var eligible []model.Model
	for i := range active {
		if s.Eligible(&active[i], now) {
			eligible = append(eligible, active[i])
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return s.Policy.Less(&eligible[i], &eligible[j])
	})
	return eligible
}

// Freeable is the capacity that evicting every eligible model would release.
func (s *Selector) Freeable(active []model.Model, now time.Time) int {
	freeable := 0
	for _, m := range s.candidates(active, now) {
		freeable += m.RequiredCapacity
	}
	return freeable
}

// SelectVictims walks the eligible models in policy order and stops as soon
// as the accumulated capacity covers deficit. It returns ErrUnsatisfiable
// when all eligible models together fall short.
func (s *Selector) SelectVictims(deficit int, active []model.Model, now time.Time) ([]model.Model, error) {
	if deficit <= 0 {
		return nil, nil
	}

	var victims []model.Model
	freed := 0
	for _, m := range s.candidates(active, now) {
		victims = append(victims, m)
		freed += m.RequiredCapacity
		if freed >= deficit {
			return victims, nil
		}
	}
	return nil, fmt.Errorf("%w: need %d, eligible models free %d", ErrUnsatisfiable, deficit, freed)
}
