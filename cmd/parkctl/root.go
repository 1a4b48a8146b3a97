package main

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parking-sync-backend/internal/syncclient"
)

// newRootCmd builds the parkctl command tree. Settings come from flags,
// PARKCTL_* environment variables or a yaml config file, in that order.
func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "parkctl",
		Short: "Inspect and edit the shared parking state",
		Long: `parkctl talks to a parkingd server. It can print the current state,
write a new one, follow live changes and manage the edit lock.

Examples:
  # Print the current state
  parkctl state --server http://localhost:3000

  # Write a document while holding the edit lock
  parkctl put -f lot.json --lock

  # Follow changes over WebSocket
  parkctl watch --transport ws`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v)
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./parkctl.yaml)")
	flags.String("server", "http://localhost:3000", "base URL of the parking state service")
	flags.String("editor", "", "editor id used for the edit lock (default: random)")
	flags.String("cache", "", "local state cache file (default: none)")
	flags.String("transport", syncclient.TransportSSE, "push transport for watch: sse or ws")
	flags.Duration("poll-interval", 5*time.Second, "polling interval once push is unavailable")
	flags.BoolP("verbose", "v", false, "log client activity to stderr")
	for _, name := range []string{"config", "server", "editor", "cache", "transport", "poll-interval", "verbose"} {
		_ = v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	root.AddCommand(
		newStateCmd(v),
		newPutCmd(v),
		newWatchCmd(v),
		newLockCmd(v),
		newUnlockCmd(v),
	)
	return root
}

func initConfig(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("parkctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/parkctl")
	}

	v.SetEnvPrefix("PARKCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Read config file if it exists (ignore error if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func newClient(v *viper.Viper) (*syncclient.Client, error) {
	level := slog.LevelWarn
	if v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return syncclient.New(syncclient.Options{
		BaseURL:      v.GetString("server"),
		EditorID:     v.GetString("editor"),
		CachePath:    v.GetString("cache"),
		Transport:    v.GetString("transport"),
		PollInterval: v.GetDuration("poll_interval"),
		// A one-shot command gets one attempt, so its first failure counts.
		DegradedAfter: 1,
		Logger:        logger,
	})
}
