package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/state"
)

const defaultWorkspace = "default"

var workspaceName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
	Long: `Workspaces keep separate state for the same stack, for example one
platform per environment. Each workspace has its own local state file.

The default workspace is called "default".`,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

var workspaceNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a new workspace and switch to it",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceNew,
}

var workspaceSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Switch to another workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceSelect,
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an empty workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceDelete,
}

var workspaceShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current workspace name",
	RunE:  runWorkspaceShow,
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceNewCmd)
	workspaceCmd.AddCommand(workspaceSelectCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
	workspaceCmd.AddCommand(workspaceShowCmd)
}

func lakestackDir() string {
	return filepath.Dir(state.DefaultPath)
}

func workspaceFile() string {
	return filepath.Join(lakestackDir(), "workspace")
}

func currentWorkspace() string {
	data, err := os.ReadFile(workspaceFile())
	if err != nil {
		return defaultWorkspace
	}
	ws := strings.TrimSpace(string(data))
	if ws == "" {
		return defaultWorkspace
	}
	return ws
}

// WorkspaceStatePath returns the state file path for the current workspace.
func WorkspaceStatePath() string {
	return workspaceStatePath(currentWorkspace())
}

func workspaceStatePath(ws string) string {
	if ws == defaultWorkspace {
		return state.DefaultPath
	}
	return filepath.Join(lakestackDir(), fmt.Sprintf("state.%s.json", ws))
}

func listWorkspaces() ([]string, error) {
	workspaces := []string{defaultWorkspace}
	entries, err := os.ReadDir(lakestackDir())
	if errors.Is(err, os.ErrNotExist) {
		return workspaces, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", lakestackDir(), err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == filepath.Base(state.DefaultPath) || !strings.HasPrefix(name, "state.") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ws := strings.TrimSuffix(strings.TrimPrefix(name, "state."), ".json")
		if ws != "" && workspaceName.MatchString(ws) {
			workspaces = append(workspaces, ws)
		}
	}
	return workspaces, nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	workspaces, err := listWorkspaces()
	if err != nil {
		return err
	}

	current := currentWorkspace()
	out := cmd.OutOrStdout()
	for _, ws := range workspaces {
		if ws == current {
			fmt.Fprintf(out, "* %s\n", ws)
		} else {
			fmt.Fprintf(out, "  %s\n", ws)
		}
	}
	return nil
}

func runWorkspaceNew(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == defaultWorkspace {
		return fmt.Errorf("workspace %q already exists", name)
	}
	if !workspaceName.MatchString(name) {
		return fmt.Errorf("invalid workspace name %q: use letters, digits, '-' and '_'", name)
	}

	path := workspaceStatePath(name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("workspace %q already exists", name)
	}

	empty := ir.NewState()
	empty.Lineage = uuid.NewString()
	if err := state.NewManager(path).Write(cmd.Context(), empty); err != nil {
		return fmt.Errorf("failed to create workspace state: %w", err)
	}
	if err := os.WriteFile(workspaceFile(), []byte(name), 0o644); err != nil {
		return fmt.Errorf("failed to switch workspace: %w", err)
	}

	pterm.Success.Printfln("Created and switched to workspace %q", name)
	return nil
}

func runWorkspaceSelect(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name != defaultWorkspace {
		if _, err := os.Stat(workspaceStatePath(name)); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("workspace %q does not exist", name)
		}
	}

	if err := os.MkdirAll(lakestackDir(), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(workspaceFile(), []byte(name), 0o644); err != nil {
		return fmt.Errorf("failed to switch workspace: %w", err)
	}

	pterm.Success.Printfln("Switched to workspace %q", name)
	return nil
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == defaultWorkspace {
		return fmt.Errorf("cannot delete the default workspace")
	}
	if currentWorkspace() == name {
		return fmt.Errorf("cannot delete the active workspace %q; switch to another workspace first", name)
	}

	path := workspaceStatePath(name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("workspace %q does not exist", name)
	}
	s, err := state.NewManager(path).Read(cmd.Context())
	if err != nil {
		return err
	}
	if len(s.Resources) > 0 {
		return fmt.Errorf("workspace %q still manages %d resource(s); destroy them first", name, len(s.Resources))
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete workspace state: %w", err)
	}
	_ = os.Remove(path + ".lock")

	pterm.Success.Printfln("Deleted workspace %q", name)
	return nil
}

func runWorkspaceShow(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), currentWorkspace())
	return nil
}
