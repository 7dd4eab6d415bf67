package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/picklr-io/tierctl/internal/state"
	"github.com/spf13/cobra"
)

var initFormat string

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a new tierctl project",
	Long: `Writes a starter stack file and creates the local state directory.
Existing files are left untouched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initFormat, "format", "yaml", "Stack file format (yaml, pkl)")
}

const yamlTemplate = `# tierctl stack
stack:
  region: us-east-1
  clusterName: ekshandson
  vpcCidr: 10.10.0.0/16
  maxAzs: 2
  natGateways: 1
  kubernetesVersion: "1.29"
  nodeInstanceType: t3.small
  nodeCount: 1
  tableName: messages
  partitionKey: uuid
  frontendImage: public.ecr.aws/example/frontend:latest
  backendImage: public.ecr.aws/example/backend:latest

state:
  type: file

backend:
  # null records resources locally without calling AWS or Kubernetes.
  mode: "null"

engine:
  maxAttempts: 3
  baseDelay: 1s
  maxDelay: 30s
`

const pklTemplate = `// tierctl stack

stack {
  region = "us-east-1"
  clusterName = "ekshandson"
  vpcCidr = "10.10.0.0/16"
  maxAzs = 2
  natGateways = 1
  kubernetesVersion = "1.29"
  nodeInstanceType = "t3.small"
  nodeCount = 1
  tableName = "messages"
  partitionKey = "uuid"
  frontendImage = "public.ecr.aws/example/frontend:latest"
  backendImage = "public.ecr.aws/example/backend:latest"
}

state {
  type = "file"
}

backend {
  mode = "null"
}

engine {
  maxAttempts = 3
  baseDelay = "1s"
  maxDelay = "30s"
}
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	var name, content string
	switch initFormat {
	case "yaml":
		name, content = "tierctl.yaml", yamlTemplate
	case "pkl":
		name, content = "main.pkl", pklTemplate
	default:
		return fmt.Errorf("unknown format %q: expected yaml or pkl", initFormat)
	}

	if err := os.MkdirAll(filepath.Join(dir, state.DefaultDir), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", state.DefaultDir, err)
	}

	out := cmd.OutOrStdout()
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "%s already exists, leaving it untouched\n", path)
	} else if errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		fmt.Fprintf(out, "Created %s\n", path)
	} else {
		return err
	}

	fmt.Fprintln(out, "tierctl project initialized successfully!")
	return nil
}
