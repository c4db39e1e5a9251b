package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new lakestack project",
	Long: `Creates a starter stack.yaml, a .env.example listing its variables and
the .lakestack directory for state and run history. Existing files are left
untouched.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

const starterStack = `name: data-lake

variables:
  name: lakehouse
  region: us-east-1

settings:
  parallelism: 10
  retry:
    maxRetries: 5
    baseDelay: 2s
    maxDelay: 1m

resources:
  - id: vpc
    kind: aws:EC2.Vpc
    properties:
      cidrBlock: 10.0.0.0/16
      enableDnsHostnames: true
      tags:
        Name: ${var.name}

  - id: data-bucket
    kind: aws:S3.Bucket
    properties:
      bucket: ${var.name}-data
      versioning: true
      tags:
        Name: ${var.name}

outputs:
  vpcId:
    value: ptr://vpc/id
  dataBucket:
    value: ptr://data-bucket/url
`

const starterEnv = `# Copy to .env to override stack variables.
# LAKESTACK_VAR_<name> environment variables and --var name=value take precedence.
name=lakehouse
region=us-east-1
`

func runInit(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(lakestackDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", lakestackDir(), err)
	}

	files := []struct{ path, content string }{
		{"stack.yaml", starterStack},
		{".env.example", starterEnv},
		{filepath.Join(lakestackDir(), ".gitignore"), "*.lock\nhistory.db*\n"},
	}
	for _, f := range files {
		created, err := writeIfMissing(f.path, f.content)
		if err != nil {
			return err
		}
		if created {
			pterm.Success.Printfln("Created %s", f.path)
		}
	}

	pterm.Println()
	pterm.Info.Println("lakestack initialized. Next steps:")
	pterm.Println("  1. Edit stack.yaml to declare your platform")
	pterm.Println("  2. Run 'lakestack plan' to see what will be created")
	pterm.Println("  3. Run 'lakestack apply' to provision it")
	return nil
}

func writeIfMissing(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return true, nil
}
