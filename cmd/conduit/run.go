package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/conduit/pkg/cmd"
	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/models"
	"github.com/urfave/cli/v3"
)

func workflowFileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "Workflow definition (.json, .yaml)",
		Required: true,
	}
}

// RunCommand executes one workflow in process and prints the finished execution.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Run a workflow file once and print the execution",
		Flags: []cli.Flag{
			workflowFileFlag(),
			&cli.StringFlag{
				Name:  "start-node",
				Usage: "Node to start from, the first node without inputs when empty",
			},
			&cli.StringFlag{
				Name:  "input",
				Usage: "JSON object handed to the start node as the trigger data",
				Value: "{}",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Bound the whole execution, zero for none",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			workflow, err := cmd.LoadWorkflowFile(command.String("file"))
			if err != nil {
				return err
			}

			var data map[string]any
			if err := json.Unmarshal([]byte(command.String("input")), &data); err != nil {
				return fmt.Errorf("input must be a JSON object: %w", err)
			}

			registry, err := cmd.NewRegistry(log.WithModule("registry"), command.String("node-manifest"))
			if err != nil {
				return err
			}

			opts := engineOptions(command)

			if key := command.String("credentials-key"); key != "" {
				vault, store, err := cmd.NewVault(ctx, log.WithModule("credentials"), command.String("credentials-store"), key)
				if err != nil {
					return err
				}

				defer func() {
					_ = store.Close()
				}()

				opts = append(opts, engine.WithCredentials(vault))
			}

			if workflow.Owner == "" {
				workflow.Owner = "cli"
			}

			eng := engine.New(registry, nil, opts...)

			item := models.Item{
				"timestamp":     time.Now().UTC().Format(time.RFC3339),
				"triggerKind":   string(models.TriggerKindManual),
				"triggerNodeId": command.String("start-node"),
				"data":          data,
			}

			execution, err := eng.Run(ctx, engine.RunRequest{
				Workflow:    workflow,
				StartNodeID: command.String("start-node"),
				Input:       models.PortData{models.MainPort: {item}},
				Mode:        models.TriggerKindManual,
				ActorID:     workflow.Owner,
				Options: engine.RunOptions{
					Manual:  true,
					Timeout: command.Duration("timeout"),
				},
			})
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")

			if err := encoder.Encode(execution); err != nil {
				return err
			}

			if execution.Status != models.ExecutionSuccess {
				return cli.Exit(fmt.Sprintf("execution finished %s", execution.Status), 2)
			}

			return nil
		},
	}
}

// ValidateCommand checks a workflow file against the registered node types.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate a workflow file without running it",
		Flags: []cli.Flag{workflowFileFlag()},
		Action: func(_ context.Context, command *cli.Command) error {
			workflow, err := cmd.LoadWorkflowFile(command.String("file"))
			if err != nil {
				return err
			}

			registry, err := cmd.NewRegistry(log.WithModule("registry"), command.String("node-manifest"))
			if err != nil {
				return err
			}

			eng := engine.New(registry, nil)

			if err := validateWorkflow(eng, workflow); err != nil {
				return err
			}

			fmt.Fprintf(command.Root().Writer, "%s: valid\n", command.String("file"))

			return nil
		},
	}
}

func validateWorkflow(eng *engine.Engine, workflow *models.Workflow) error {
	if len(workflow.Triggers) == 0 {
		return eng.Validate(workflow, "")
	}

	var errs []error

	for _, trigger := range workflow.Triggers {
		if err := eng.Validate(workflow, trigger.NodeID); err != nil {
			errs = append(errs, fmt.Errorf("trigger on %s: %w", trigger.NodeID, err))
		}
	}

	return errors.Join(errs...)
}

// NodesCommand lists the node types available to workflows.
func NodesCommand() *cli.Command {
	return &cli.Command{
		Name:  "nodes",
		Usage: "List the registered node types",
		Action: func(_ context.Context, command *cli.Command) error {
			registry, err := cmd.NewRegistry(log.WithModule("registry"), command.String("node-manifest"))
			if err != nil {
				return err
			}

			descriptions := make([]models.NodeTypeDescription, 0)
			for _, nodeType := range registry.List() {
				descriptions = append(descriptions, nodeType.Describe())
			}

			encoder := json.NewEncoder(command.Root().Writer)
			encoder.SetIndent("", "  ")

			return encoder.Encode(descriptions)
		},
	}
}
