package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hostforge/hostforge/pkg/stores"
)

const sampleConfig = `service:
  name: hostforge
  environment: development

store:
  backend: sqlite
  path: data/hostforge.db

templates:
  path: templates
  fallback_to_base: true
  watch: true

requests:
  timeout: 30m
  conflict_retries: 3
  retention: 24h

reconciler:
  interval: 30s
  jitter: 0.2
  workers: 4

telemetry:
  log_level: info
  log_format: console
  metrics_enabled: true
  tracing_enabled: false
  sampling_rate: 1.0
`

const sampleTemplate = `templates:
  - templateId: sim-small
    backendType: sim
    maxNumber: 10
    attributes:
      sizeClass: small
    tags:
      team: platform
`

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a HostForge workspace",
		Long: `Create the data directory, initialize the SQLite event store, and
write a starter configuration with one sim-backed template.`,
		Example: `  # Initialize in the current directory
  hostforge init

  # Initialize with a custom config location
  hostforge init --config /etc/hostforge/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			root := "."
			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = "hostforge.yaml"
			} else {
				root = filepath.Dir(cfgPath)
			}

			log.Info().Str("config", cfgPath).Msg("Initializing workspace")

			dirs := []string{
				filepath.Join(root, "data"),
				filepath.Join(root, "templates"),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("Created directory: %s\n", dir)
			}

			store, err := stores.NewSQLiteStore(stores.SQLiteConfig{
				Path: filepath.Join(root, "data", "hostforge.db"),
			})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Println("Initialized event store.")

			if err := writeIfAbsent(cfgPath, sampleConfig); err != nil {
				return err
			}
			if err := writeIfAbsent(filepath.Join(root, "templates", "sim.yaml"), sampleTemplate); err != nil {
				return err
			}

			fmt.Println("\nWorkspace ready. Try:")
			fmt.Println("  hostforge templates")
			fmt.Println("  hostforge request sim-small --count 2")
			return nil
		},
	}
	return cmd
}

// writeIfAbsent writes content to path unless the file already exists.
func writeIfAbsent(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Kept existing file: %s\n", path)
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("Wrote: %s\n", path)
	return nil
}
