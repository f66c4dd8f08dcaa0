package scheduler

import "errors"

// ErrNotArmable is returned when a schedule is inactive or lacks days,
// times, or categories.
var ErrNotArmable = errors.New("schedule is not armable")
