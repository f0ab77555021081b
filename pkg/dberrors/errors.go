package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("coredb: not found")
	ErrClosed          = errors.New("coredb: closed")
	ErrInvalidArgument = errors.New("coredb: invalid argument")
	ErrAllocation      = errors.New("coredb: allocation failed")
	ErrSealed          = errors.New("coredb: memtable sealed")
	ErrFlushRunning    = errors.New("coredb: flush already running")
)
