package config

import (
	"errors"
	"fmt"
)

// CurrentVersion is the configuration format this build reads.
const CurrentVersion = 1

// Version mismatch reasons reported by VersionError.
const (
	ReasonMissing = "missing or outdated"
	ReasonTooNew  = "newer than this build"
)

var (
	// ErrVersionMissing matches a VersionError for a zero or older version.
	ErrVersionMissing = errors.New("config version missing or outdated")
	// ErrVersionTooNew matches a VersionError for a version from a newer build.
	ErrVersionTooNew = errors.New("config version newer than this build")
)

// VersionError reports a config file whose version this build cannot read.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Reason {
	case ReasonTooNew:
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade codeagent", e.Version, e.Current)
	case ReasonMissing:
		return fmt.Sprintf("config version %d is %s; set version: %d", e.Version, e.Reason, e.Current)
	}
	return fmt.Sprintf("config version %d is not supported (current: %d)", e.Version, e.Current)
}

// Unwrap lets errors.Is match ErrVersionMissing and ErrVersionTooNew.
func (e *VersionError) Unwrap() error {
	switch e.Reason {
	case ReasonTooNew:
		return ErrVersionTooNew
	case ReasonMissing:
		return ErrVersionMissing
	}
	return nil
}

// ValidateVersion accepts only CurrentVersion. Load fills a missing version
// before validating, so zero only reaches here from hand-built configs.
func ValidateVersion(version int) error {
	switch {
	case version == CurrentVersion:
		return nil
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonTooNew}
	default:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonMissing}
	}
}
