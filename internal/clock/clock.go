package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so workers and the settlement state machine
// can be tested against a deterministic clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
