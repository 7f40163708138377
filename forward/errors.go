package forward

import "errors"

// ErrUnsupportedFilter is returned for a filter type the forwarder has no
// start-position strategy for.
var ErrUnsupportedFilter = errors.New("forward: unsupported filter type")
