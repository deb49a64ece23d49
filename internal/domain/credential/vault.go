package credential

import (
	"errors"
	"sync"
)

// ErrAlreadyPublished is returned when a second credential is published in one run.
var ErrAlreadyPublished = errors.New("join credential already published")

// Vault holds the credential for a single run: written once, read by every
// worker, erased when the run ends.
type Vault struct {
	mu   sync.RWMutex
	cred *JoinCredential
	used bool
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{}
}

// Publish stores the credential. It may be called once per vault.
func (v *Vault) Publish(c *JoinCredential) error {
	if c == nil {
		return errors.New("nil credential")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.used {
		return ErrAlreadyPublished
	}
	v.cred = c
	v.used = true
	return nil
}

// Get returns the published credential.
func (v *Vault) Get() (*JoinCredential, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred, v.cred != nil
}

// Erase wipes and drops the credential. Safe to call more than once.
func (v *Vault) Erase() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cred != nil {
		v.cred.Erase()
		v.cred = nil
	}
}
