package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parking-sync-backend/internal/model"
	"parking-sync-backend/internal/validate"
)

func newStateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(v)
			if err != nil {
				return err
			}
			env := client.Load(cmd.Context())
			if env == nil {
				return errors.New("server unreachable and no cached state")
			}
			if client.Degraded() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: server unreachable, showing cached state")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(env)
		},
	}
}

func newPutCmd(v *viper.Viper) *cobra.Command {
	var (
		file     string
		withLock bool
	)
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Replace the shared document",
		Long: `Replace the shared document with the contents of a JSON file. The file
holds the data object ({"spots": ..., "models": ...}) or a full envelope.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readData(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			client, err := newClient(v)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if withLock {
				if !client.AcquireLock(ctx) {
					return errors.New("edit lock is held by another editor")
				}
				defer client.ReleaseLock(context.WithoutCancel(ctx))
			}

			if client.Load(ctx) == nil {
				return errors.New("server unreachable")
			}
			if !client.Save(ctx, *data) {
				return errors.New("save failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved version %d\n", client.Last().Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file to write, - for stdin")
	cmd.Flags().BoolVar(&withLock, "lock", false, "hold the edit lock while writing")
	return cmd
}

// readData accepts either a bare data object or a full envelope and
// validates it before anything is sent.
func readData(stdin io.Reader, file string) (*model.StateData, error) {
	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var probe struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(probe.Data) > 0 {
		raw = probe.Data
	}

	var data model.StateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	data.Normalize()
	if err := validate.Data(&data); err != nil {
		return nil, err
	}
	if err := validate.VehicleKeys(raw); err != nil {
		return nil, err
	}
	return &data, nil
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print every state and lock change as a JSON line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(v)
			if err != nil {
				return err
			}
			client.OnDegraded(func(degraded bool) {
				if degraded {
					fmt.Fprintln(cmd.ErrOrStderr(), "degraded: live updates unavailable")
				} else {
					fmt.Fprintln(cmd.ErrOrStderr(), "reconnected")
				}
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			return client.Subscribe(ctx, func(ev model.Event) {
				_ = enc.Encode(ev)
			})
		},
	}
}

func newLockCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Acquire or extend the edit lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(v)
			if err != nil {
				return err
			}
			if !client.AcquireLock(cmd.Context()) {
				return errors.New("edit lock is held by another editor")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lock held by %s\n", client.EditorID())
			return nil
		},
	}
}

func newUnlockCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Release the edit lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(v)
			if err != nil {
				return err
			}
			if !client.ReleaseLock(cmd.Context()) {
				return errors.New("failed to release lock")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "lock released")
			return nil
		},
	}
}
