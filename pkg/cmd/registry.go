// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"github.com/dukex/conduit/pkg/registry"
	"github.com/sirupsen/logrus"
)

// NewRegistry registers the node types named in the manifest, or every built-in when no
// manifest is given.
func NewRegistry(logger *logrus.Entry, manifestPath string) (*registry.Registry, error) {
	reg := registry.New(logger)

	if manifestPath == "" {
		reg.RegisterDefaultNodes()

		return reg, nil
	}

	manifest, err := registry.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	if err := manifest.Apply(reg); err != nil {
		return nil, err
	}

	logger.WithField("manifest", manifestPath).Info("Node types loaded from manifest")

	return reg, nil
}
