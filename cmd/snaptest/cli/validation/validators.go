// Package validation provides input validation functions for snaptest.
// This package has no dependencies to avoid import cycles.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// pathSafeRegex matches alphanumeric characters, underscores, and hyphens only.
// Used to validate IDs that will be used in file paths and ref names.
var pathSafeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// hostRegex matches [user@]host[:port] with DNS-style or ssh-config alias
// hosts. IPv6 addresses are bracketed: [user@][addr][:port].
var hostRegex = regexp.MustCompile(`^([a-zA-Z0-9._-]+@)?([a-zA-Z0-9._-]+|\[[0-9a-fA-F:.]+\])(:[0-9]{1,5})?$`)

// ValidateRunID validates that a run ID is safe to use as a file name.
func ValidateRunID(id string) error {
	if id == "" {
		return errors.New("run ID cannot be empty")
	}
	if !pathSafeRegex.MatchString(id) {
		return fmt.Errorf("invalid run ID %q: must be alphanumeric with underscores/hyphens only", id)
	}
	return nil
}

// ValidateRemoteName validates a remote snapshot name before it is embedded in a ref.
func ValidateRemoteName(name string) error {
	if name == "" {
		return errors.New("remote name cannot be empty")
	}
	if !pathSafeRegex.MatchString(name) {
		return fmt.Errorf("invalid remote name %q: must be alphanumeric with underscores/hyphens only", name)
	}
	return nil
}

// ValidateRemoteHost validates an ssh destination such as "builder" or "me@box:2222".
// Leading dashes are rejected so the value can never be read as an ssh option.
func ValidateRemoteHost(host string) error {
	if host == "" {
		return errors.New("remote host cannot be empty")
	}
	if strings.HasPrefix(host, "-") {
		return fmt.Errorf("invalid remote host %q: must not start with '-'", host)
	}
	if !hostRegex.MatchString(host) {
		return fmt.Errorf("invalid remote host %q", host)
	}
	return nil
}

// ValidateRemotePath validates the remote working directory.
// It must be absolute or relative to the remote home directory ("~/...").
func ValidateRemotePath(path string) error {
	if path == "" {
		return errors.New("remote path cannot be empty")
	}
	if !strings.HasPrefix(path, "/") && path != "~" && !strings.HasPrefix(path, "~/") {
		return fmt.Errorf("invalid remote path %q: must be absolute or start with ~/", path)
	}
	if strings.ContainsAny(path, "\n\x00") {
		return fmt.Errorf("invalid remote path %q: contains control characters", path)
	}
	return nil
}
