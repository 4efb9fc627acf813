package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/redinklabs/redink-core/pkg/devices"
	"github.com/redinklabs/redink-core/pkg/domain"
	"github.com/redinklabs/redink-core/pkg/storage"
)

func newDevicesCmd() *cobra.Command {
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and manage device bindings",
	}

	devicesCmd.PersistentFlags().StringP("type", "t", "text", "Config type (text or image)")
	devicesCmd.PersistentFlags().StringP("provider", "p", "", "Provider name (defaults to the active provider)")

	devicesCmd.AddCommand(
		newDevicesListCmd(),
		newDevicesBindCmd(),
		newDevicesRemoveCmd(),
		newDevicesCleanupCmd(),
	)
	return devicesCmd
}

// deviceStore builds a store over the configured file roots for one-shot
// CLI operations.
func deviceStore(cmd *cobra.Command) (*devices.Store, string, error) {
	cfg, logger, err := loadConfigAndLogger(cmd)
	if err != nil {
		return nil, "", err
	}

	configType, _ := cmd.Flags().GetString("type")
	tiered := storage.NewTieredStore(cfg.Storage.Root, cfg.Storage.DurableRoot,
		storage.WithLogger(logger),
	)
	store := devices.NewStore(configType, tiered, devices.WithLogger(logger))

	provider, _ := cmd.Flags().GetString("provider")
	if provider == "" {
		provider = store.ActiveProvider(cmd.Context())
	}
	return store, provider, nil
}

func newDevicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List current device bindings for a provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, provider, err := deviceStore(cmd)
			if err != nil {
				return err
			}

			bindings, err := store.List(cmd.Context(), provider)
			if err != nil {
				return err
			}
			if len(bindings) == 0 {
				fmt.Printf("no devices bound to provider %q\n", provider)
				return nil
			}

			now := time.Now()
			fmt.Printf("devices bound to provider %q:\n", provider)
			for _, b := range bindings {
				state := "live"
				if !b.Live(now) {
					state = "expired"
				}
				fmt.Printf("  %-14s %-20s bound %s  last used %s  [%s]\n",
					truncate(b.DeviceID), b.DeviceName,
					b.BoundAt.Time().Format(time.RFC3339),
					b.LastUsed.Time().Format(time.RFC3339),
					state)
			}
			return nil
		},
	}
}

func newDevicesBindCmd() *cobra.Command {
	bindCmd := &cobra.Command{
		Use:   "bind <device-id>",
		Short: "Bind (or renew) a device against a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, provider, err := deviceStore(cmd)
			if err != nil {
				return err
			}

			name, _ := cmd.Flags().GetString("name")
			outcome, err := store.Bind(cmd.Context(), provider, args[0], name)
			if err != nil {
				return err
			}
			fmt.Printf("device %s: binding %s\n", truncate(args[0]), outcome)
			return nil
		},
	}
	bindCmd.Flags().String("name", "", "Device display name")
	return bindCmd
}

func newDevicesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <device-id>",
		Short: "Remove a device binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, provider, err := deviceStore(cmd)
			if err != nil {
				return err
			}

			if err := store.Remove(cmd.Context(), provider, args[0]); err != nil {
				return err
			}
			fmt.Printf("device %s removed from provider %q\n", truncate(args[0]), provider)
			return nil
		},
	}
}

func newDevicesCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop expired device bindings for a provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, provider, err := deviceStore(cmd)
			if err != nil {
				return err
			}

			removed, err := store.CleanupExpired(cmd.Context(), provider)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired binding(s) from provider %q\n", removed, provider)
			return nil
		},
	}
}

func truncate(deviceID string) string {
	return domain.TruncateDeviceID(deviceID)
}
