package lease

import "github.com/gpulease/gpulease/pkg/model"

// CapacityLedger measures the pool against its fixed size. It keeps no
// counter of its own; usage is always summed from an active set read in the
// current transaction.
type CapacityLedger struct {
	Max int
}

func (l CapacityLedger) Usage(active []model.Model) int {
	usage := 0
	for i := range active {
		if active[i].Active {
			usage += active[i].RequiredCapacity
		}
	}
	return usage
}

// Deficit is the capacity that must be freed before required more units fit.
// Zero means no eviction is needed.
func (l CapacityLedger) Deficit(active []model.Model, required int) int {
	deficit := l.Usage(active) + required - l.Max
	if deficit < 0 {
		return 0
	}
	return deficit
}

func (l CapacityLedger) Headroom(active []model.Model) int {
	headroom := l.Max - l.Usage(active)
	if headroom < 0 {
		return 0
	}
	return headroom
}

// Fits reports whether required more units fit without evicting anything.
func (l CapacityLedger) Fits(active []model.Model, required int) bool {
	return l.Usage(active)+required <= l.Max
}
