package bootstrap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
)

// ErrCredentialMissing is matched by every CredentialMissingError.
var ErrCredentialMissing = errors.New("join credential missing")

// CredentialMissingError reports that workers still need to join but no
// control-plane host produced a usable join credential.
type CredentialMissingError struct {
	Reason string
}

func (e *CredentialMissingError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCredentialMissing, e.Reason)
}

func (e *CredentialMissingError) Unwrap() error {
	return ErrCredentialMissing
}

// RoleFailedError reports that no host of a role converged.
type RoleFailedError struct {
	Role  fleet.Role
	Hosts []fleet.HostID
}

func (e *RoleFailedError) Error() string {
	ids := make([]string, len(e.Hosts))
	for i, h := range e.Hosts {
		ids[i] = string(h)
	}
	return fmt.Sprintf("every %s host failed: %s", e.Role, strings.Join(ids, ", "))
}

func newRoleFailedError(r *execution.RoleResult) *RoleFailedError {
	err := &RoleFailedError{Role: r.Role}
	for _, hr := range r.Hosts {
		err.Hosts = append(err.Hosts, hr.Host.ID())
	}
	return err
}
