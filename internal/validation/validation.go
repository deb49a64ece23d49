// Package validation provides input validation utilities that keep operator
// input from turning into command injection or path traversal on remote hosts.
package validation

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Common validation errors.
var (
	ErrEmptyInput         = errors.New("input cannot be empty")
	ErrInvalidPackageName = errors.New("invalid package name")
	ErrPathTraversal      = errors.New("path traversal detected")
	ErrInvalidPath        = errors.New("invalid path")
	ErrCommandInjection   = errors.New("potential command injection detected")
	ErrInvalidHostname    = errors.New("invalid hostname")
	ErrInvalidURL         = errors.New("invalid URL")
	ErrInvalidKernelMod   = errors.New("invalid kernel module name")
	ErrInvalidSysctl      = errors.New("invalid sysctl setting")
)

var (
	// packageNameRegex matches apt/dnf package names, optionally version pinned.
	packageNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*([=-][a-zA-Z0-9.:~+_*-]+)?$`)

	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.:_-]*$`)

	urlRegex = regexp.MustCompile(`^https?://[a-zA-Z0-9][a-zA-Z0-9._~:/+-]*$`)

	remotePathRegex = regexp.MustCompile(`^/[a-zA-Z0-9._/+-]*$`)

	kernelModuleRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,55}$`)

	sysctlKeyRegex = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_-]+)+$`)

	sysctlValueRegex = regexp.MustCompile(`^[a-zA-Z0-9 ._-]{1,64}$`)

	// shellMetaChars contains shell metacharacters that could enable injection
	shellMetaChars = []string{";", "|", "&", "$", "`", "(", ")", "{", "}", "<", ">", "\n", "\r", "\\", "'", "\""}
)

// ValidatePackageName validates an apt or dnf package name.
func ValidatePackageName(name string) error {
	if name == "" {
		return ErrEmptyInput
	}
	if len(name) > 256 {
		return fmt.Errorf("%w: name too long (max 256 characters)", ErrInvalidPackageName)
	}
	if !packageNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidPackageName, name)
	}
	if containsShellMeta(name) {
		return fmt.Errorf("%w: %q contains shell metacharacters", ErrCommandInjection, name)
	}
	return nil
}

// ValidateURL validates an artifact or manifest URL fetched on a host.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return ErrEmptyInput
	}
	if len(urlStr) > 2048 {
		return fmt.Errorf("%w: URL too long", ErrInvalidURL)
	}
	if !urlRegex.MatchString(urlStr) {
		return fmt.Errorf("%w: %q must be a valid HTTP/HTTPS URL", ErrInvalidURL, urlStr)
	}
	if containsShellMeta(urlStr) {
		return fmt.Errorf("%w: %q contains shell metacharacters", ErrCommandInjection, urlStr)
	}
	return nil
}

// ValidateRemotePath validates an absolute destination path on a host.
func ValidateRemotePath(p string) error {
	if p == "" {
		return ErrEmptyInput
	}
	if strings.Contains(p, "\x00") {
		return fmt.Errorf("%w: path contains null byte", ErrInvalidPath)
	}
	if containsPathTraversal(p) {
		return fmt.Errorf("%w: %q contains traversal sequence", ErrPathTraversal, p)
	}
	if !remotePathRegex.MatchString(p) {
		return fmt.Errorf("%w: %q must be absolute and use only [a-zA-Z0-9._/+-]", ErrInvalidPath, p)
	}
	return nil
}

// ValidateHostname validates a hostname or IP address.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return ErrEmptyInput
	}
	if len(hostname) > 253 {
		return fmt.Errorf("%w: hostname too long", ErrInvalidHostname)
	}
	if !hostnameRegex.MatchString(hostname) {
		return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidHostname, hostname)
	}
	if containsShellMeta(hostname) {
		return fmt.Errorf("%w: %q contains shell metacharacters", ErrCommandInjection, hostname)
	}
	return nil
}

// ValidateKernelModule validates a module name passed to modprobe.
func ValidateKernelModule(name string) error {
	if name == "" {
		return ErrEmptyInput
	}
	if !kernelModuleRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidKernelMod, name)
	}
	return nil
}

// ValidateSysctl validates a sysctl key and value pair.
func ValidateSysctl(key, value string) error {
	if key == "" || value == "" {
		return ErrEmptyInput
	}
	if !sysctlKeyRegex.MatchString(key) {
		return fmt.Errorf("%w: key %q", ErrInvalidSysctl, key)
	}
	if !sysctlValueRegex.MatchString(value) {
		return fmt.Errorf("%w: value %q for %s", ErrInvalidSysctl, value, key)
	}
	return nil
}

// ShellQuote single-quotes s for POSIX sh. Inputs should still be validated;
// quoting only keeps a valid value from being split or expanded.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// containsShellMeta checks if a string contains shell metacharacters.
func containsShellMeta(s string) bool {
	for _, char := range shellMetaChars {
		if strings.Contains(s, char) {
			return true
		}
	}
	return false
}

// containsPathTraversal checks for common path traversal patterns.
func containsPathTraversal(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	if path.Clean(p) != p && strings.Contains(p, "..") {
		return true
	}
	return strings.Contains(p, "%2e%2e") || strings.Contains(p, "%2E%2E")
}
