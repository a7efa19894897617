package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bollipi/internal/service/submission"
)

var (
	historyUserID   int64
	historyDeviceID string
	historyKey      string
	historyYes      bool
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear stored submissions",
		Long: `Read or clear the submission history of an account (--user) or a
device (--device). Account history lives in the database, device history in
redis.`,
	}
	cmd.PersistentFlags().Int64Var(&historyUserID, "user", 0, "Account id")
	cmd.PersistentFlags().StringVar(&historyDeviceID, "device", "", "Device id")

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryClearCommand())
	return cmd
}

func newHistoryListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print submissions as JSON, newest first",
		Args:  cobra.NoArgs,
		RunE:  historyListE,
	}
	cmd.Flags().StringVar(&historyKey, "key", "", "Encryption key used to open encrypted entries")
	return cmd
}

func newHistoryClearCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every submission for the account or device",
		Args:  cobra.NoArgs,
		RunE:  historyClearE,
	}
	cmd.Flags().BoolVar(&historyYes, "yes", false, "Confirm the deletion")
	return cmd
}

func historyIdentity() (submission.Identity, error) {
	device := strings.TrimSpace(historyDeviceID)
	switch {
	case historyUserID > 0 && device != "":
		return submission.Identity{}, errors.New("use either --user or --device, not both")
	case historyUserID > 0:
		return submission.Identity{UserID: historyUserID}, nil
	case device != "":
		return submission.Identity{DeviceID: device}, nil
	}
	return submission.Identity{}, errors.New("--user or --device is required")
}

func historyListE(cmd *cobra.Command, _ []string) error {
	id, err := historyIdentity()
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	forms, err := a.store().List(cmd.Context(), id, historyKey)
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(forms)
}

func historyClearE(cmd *cobra.Command, _ []string) error {
	id, err := historyIdentity()
	if err != nil {
		return err
	}
	if !historyYes {
		return fmt.Errorf("%w: pass --yes", submission.ErrNotConfirmed)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store().Clear(cmd.Context(), id, true); err != nil {
		return fmt.Errorf("clear submissions: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
	return nil
}
