package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/felixgeelhaar/kubeboot/internal/domain/config"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
)

// LoadInventory reads the inventory file and its cluster section. Every
// error it returns is a config.UserError or config.ErrorList.
func LoadInventory(path string) (*fleet.Inventory, config.ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, config.ClusterConfig{}, config.NewInventoryNotFoundError(path, err)
		}
		return nil, config.ClusterConfig{}, config.NewInventoryParseError(path, fmt.Errorf("failed to read inventory: %w", err))
	}

	file, err := fleet.ParseInventoryFile(data)
	if err != nil {
		return nil, config.ClusterConfig{}, config.NewInventoryParseError(path, err)
	}
	inv, err := file.ToInventory()
	if err != nil {
		return nil, config.ClusterConfig{}, config.NewInventoryInvalidError(path, err)
	}

	cluster, err := config.ParseClusterConfig(data)
	if err != nil {
		return nil, config.ClusterConfig{}, config.NewInventoryParseError(path, err)
	}
	if err := cluster.Validate(); err != nil {
		return nil, config.ClusterConfig{}, err
	}
	return inv, cluster, nil
}
