package objcache

import "errors"

var (
	ErrWrongCacheKind     = errors.New("objcache: key already hosts the other cache kind")
	ErrSubgroupNotCreated = errors.New("objcache: subgroup stream cache not created")
)
