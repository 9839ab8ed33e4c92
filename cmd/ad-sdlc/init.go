package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kcenon/ad-sdlc/internal/config"
	"github.com/kcenon/ad-sdlc/internal/errs"
)

var initCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Initialize a new project root",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

// defaultAgents lists the agent types the static pipeline (greenfield and
// enhancement) and the Controller's implementation stage dispatch to,
// pre-registered so a fresh install only needs to point each at a running
// agent process rather than hand-write the registry file from scratch.
var defaultAgents = config.AgentsConfig{
	SchemaVersion: "1.0",
	Agents: []config.AgentEntry{
		{AgentID: "collector", Name: "Requirements Collector", Lifecycle: "singleton", AgentType: "collector", Transport: "file-bridge"},
		{AgentID: "prd-writer", Name: "PRD Writer", Lifecycle: "transient", AgentType: "prd-writer", Transport: "file-bridge"},
		{AgentID: "srs-writer", Name: "SRS Writer", Lifecycle: "transient", AgentType: "srs-writer", Transport: "file-bridge"},
		{AgentID: "sds-writer", Name: "SDS Writer", Lifecycle: "transient", AgentType: "sds-writer", Transport: "file-bridge"},
		{AgentID: "srs-updater", Name: "SRS Updater", Lifecycle: "transient", AgentType: "srs-updater", Transport: "file-bridge"},
		{AgentID: "sds-updater", Name: "SDS Updater", Lifecycle: "transient", AgentType: "sds-updater", Transport: "file-bridge"},
		{AgentID: "issue-breaker", Name: "Issue Breakdown", Lifecycle: "transient", AgentType: "issue-breaker", Transport: "file-bridge"},
		{AgentID: "developer", Name: "Developer", Lifecycle: "transient", AgentType: "developer", Transport: "file-bridge"},
		{AgentID: "pr-reviewer", Name: "PR Reviewer", Lifecycle: "transient", AgentType: "pr-reviewer", Transport: "file-bridge"},
		{AgentID: "qa-agent", Name: "QA Agent", Lifecycle: "transient", AgentType: "qa-agent", Transport: "file-bridge"},
		{AgentID: "security-agent", Name: "Security Reviewer", Lifecycle: "transient", AgentType: "security-agent", Transport: "file-bridge"},
		{AgentID: "release-agent", Name: "Release Manager", Lifecycle: "transient", AgentType: "release-agent", Transport: "file-bridge"},
	},
}

func runInit(cmd *cobra.Command, args []string) error {
	root := args[0]
	home := filepath.Join(root, ".ad-sdlc")

	dirs := []string{
		filepath.Join(home, "scratchpad", "info"),
		filepath.Join(home, "scratchpad", "documents"),
		filepath.Join(home, "scratchpad", "issues"),
		filepath.Join(home, "scratchpad", "progress"),
		filepath.Join(home, "scratchpad", "bridge", "input"),
		filepath.Join(home, "scratchpad", "bridge", "output"),
		filepath.Join(home, "config"),
		filepath.Join(home, "logs"),
		filepath.Join(root, "docs", "prd"),
		filepath.Join(root, "docs", "srs"),
		filepath.Join(root, "docs", "sds"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return errs.Wrap(errs.KindIOError, "create "+d, err)
		}
	}

	workflowPath := filepath.Join(home, "config", "workflow.yaml")
	if _, err := os.Stat(workflowPath); os.IsNotExist(err) {
		data, err := yaml.Marshal(config.DefaultWorkflow())
		if err != nil {
			return errs.Wrap(errs.KindInternal, "marshal default workflow config", err)
		}
		if err := os.WriteFile(workflowPath, data, 0o644); err != nil {
			return errs.Wrap(errs.KindIOError, "write workflow config", err)
		}
	}

	agentsPath := filepath.Join(home, "config", "agents.yaml")
	if _, err := os.Stat(agentsPath); os.IsNotExist(err) {
		data, err := yaml.Marshal(defaultAgents)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "marshal default agents config", err)
		}
		if err := os.WriteFile(agentsPath, data, 0o644); err != nil {
			return errs.Wrap(errs.KindIOError, "write agents config", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "initialized project root at %s\n", root)
	return nil
}
