package alerting

import "errors"

// ErrSuppressed is returned when a notification falls inside the cooldown window.
var ErrSuppressed = errors.New("notification suppressed by cooldown")
