package app

import (
	"fmt"

	convergenceadapter "github.com/felixgeelhaar/kubeboot/internal/adapters/convergence"
	"github.com/felixgeelhaar/kubeboot/internal/domain/config"
	"github.com/felixgeelhaar/kubeboot/internal/domain/convergence"
)

// Status returns the convergence records stored at path, optionally only
// those of one host.
func Status(path, host string) ([]convergence.Record, error) {
	records, err := convergenceadapter.Load(path)
	if err != nil {
		return nil, config.NewStateUnreadableError(path, err)
	}
	if host == "" {
		return records, nil
	}
	var out []convergence.Record
	for _, rec := range records {
		if rec.Host == host {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Reset deletes the records of host, or every record when host is empty,
// so the next run re-applies those steps.
func Reset(path, host string) (int, error) {
	store, err := convergenceadapter.OpenYAMLStore(path)
	if err != nil {
		return 0, config.NewStateUnreadableError(path, err)
	}
	n, err := store.Reset(host)
	if cerr := store.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reset state: %w", err)
	}
	return n, nil
}
