package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample relaymesh configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/relaymesh/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  relaymesh init

  # Initialize with custom path
  relaymesh init --config /etc/relaymesh/config.yaml

  # Force overwrite existing config
  relaymesh init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file: set provider credentials and the instance URL")
	fmt.Println("  2. Start the instance with: relaymesh start")
	fmt.Printf("  3. Or specify custom config: relaymesh start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  Random development secrets were generated for the instance and")
	fmt.Println("  the webhook signing key. For production, inject them instead:")
	fmt.Println("    export RELAYMESH_INSTANCE_SECRET=$(openssl rand -hex 32)")
	fmt.Println("    export RELAYMESH_SIGNING_CURRENT=$(openssl rand -hex 32)")

	return nil
}
