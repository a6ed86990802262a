package app

import "errors"

var (
	ErrConnectionFailed    = errors.New("connection failed")
	ErrManifestFetchFailed = errors.New("failed to fetch size manifest")
	ErrFilesystem          = errors.New("filesystem error")
	ErrNothingToSend       = errors.New("nothing to send")
	ErrConflictingTargets  = errors.New("received entries map to conflicting paths")
	ErrNoDirectory         = errors.New("ticket carries no address and no discovery directory is configured")
)
