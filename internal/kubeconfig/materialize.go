package kubeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	materializedSuffix  = "-kubeconfig"
	materializedMode    = 0o600
	materializedDirMode = 0o700
)

// MaterializedPath returns the file Materialize writes for clusterID.
func MaterializedPath(dir, clusterID string) (string, error) {
	if clusterID == "" || strings.ContainsAny(clusterID, `/\`) || clusterID == "." || clusterID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidClusterID, clusterID)
	}
	abs, err := filepath.Abs(filepath.Join(dir, clusterID+materializedSuffix))
	if err != nil {
		return "", fmt.Errorf("failed to resolve materialized path: %w", err)
	}
	return abs, nil
}

// Materialize writes cfg to an owner-only file under dir and returns its
// absolute path. Calling it again for the same clusterID replaces the file
// atomically, so a running auth proxy never observes a partial write.
func Materialize(dir, clusterID string, cfg *Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("cannot materialize nil kubeconfig for cluster %s", clusterID)
	}
	target, err := MaterializedPath(dir, clusterID)
	if err != nil {
		return "", err
	}

	data, err := cfg.Marshal()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), materializedDirMode); err != nil {
		return "", fmt.Errorf("failed to create kubeconfig directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+clusterID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary kubeconfig: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(materializedMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("failed to restrict kubeconfig permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("failed to write kubeconfig: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to write kubeconfig: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to replace kubeconfig: %w", err)
	}
	return target, nil
}

// RemoveMaterialized deletes the materialized file for clusterID.
// A missing file is not an error.
func RemoveMaterialized(dir, clusterID string) error {
	target, err := MaterializedPath(dir, clusterID)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove kubeconfig: %w", err)
	}
	return nil
}
