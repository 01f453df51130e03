package main

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"flipdeploy/internal/project"
	"flipdeploy/internal/security"
	"flipdeploy/pkg/fileutil"
)

const configHeader = `# flipdeploy configuration
#
# Every key can be overridden from the environment with the FLIPDEPLOY_
# prefix, e.g. FLIPDEPLOY_REMOTE_HOST=deploy.example.com.
# Set remote.host to "local" to deploy to this machine.
# Additional apps for the webhook server go under "apps", e.g.
#
#   apps:
#     worker:
#       project_path: /srv/src/worker
#       branch: release
#
`

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a configuration file holding every key with its default value and a
freshly generated webhook secret.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().StringP("output", "o", project.DefaultConfigFile, "Where to write the file")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")

	if fileutil.PathExists(output) && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", output)
	}

	data, err := starterConfig()
	if err != nil {
		return err
	}

	if err := fileutil.WriteFileAtomic(output, data, security.PermConfigFile); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
	fmt.Fprintln(cmd.OutOrStdout(), "Set app, remote.host, remote.user and proxy.url before deploying.")
	return nil
}

// starterConfig renders the default settings as YAML with a new secret.
func starterConfig() ([]byte, error) {
	settings := project.DefaultSettings()

	secret, err := security.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	if serve, ok := settings["serve"].(map[string]any); ok {
		serve["secret"] = secret
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}
