package node

import "errors"

var (
	ErrDirectoryBadSignature = errors.New("node: directory signature does not verify")
	ErrDirectoryStale        = errors.New("node: directory snapshot is stale")
	ErrNotStarted            = errors.New("node: not started")
	ErrAlreadyStarted        = errors.New("node: already started")
	ErrShuttingDown          = errors.New("node: shutting down")
)
