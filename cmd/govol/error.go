package main

import "errors"

var (
	// ErrUsage is returned when a command is called with the wrong arguments.
	ErrUsage = errors.New("invalid usage")

	// ErrNoDevice is returned when neither a device path nor an S3 bucket is
	// configured.
	ErrNoDevice = errors.New("no device configured")

	// ErrAlreadyFormatted is returned when format would overwrite a volume
	// without --force.
	ErrAlreadyFormatted = errors.New("device already holds a volume")

	// ErrVerifyFailed is returned when the content read back after put does not
	// match the source.
	ErrVerifyFailed = errors.New("content verification failed")

	// ErrCheckFailed is returned when fsck found problems.
	ErrCheckFailed = errors.New("volume check failed")
)
