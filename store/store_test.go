package store_test

import (
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/store/memory"
)

var _ store.Store = (*memory.Store)(nil)
