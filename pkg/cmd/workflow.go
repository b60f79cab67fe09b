package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/conduit/pkg/models"
	"gopkg.in/yaml.v3"
)

// LoadWorkflowFile reads a workflow definition from a JSON or YAML file. YAML documents
// use the same field names as the JSON form.
func LoadWorkflowFile(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	return ParseWorkflow(data, filepath.Ext(path))
}

func ParseWorkflow(data []byte, ext string) (*models.Workflow, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var document any
		if err := yaml.Unmarshal(data, &document); err != nil {
			return nil, fmt.Errorf("failed to parse workflow yaml: %w", err)
		}

		converted, err := json.Marshal(document)
		if err != nil {
			return nil, fmt.Errorf("failed to convert workflow yaml: %w", err)
		}

		data = converted
	}

	var workflow models.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}

	return &workflow, nil
}
