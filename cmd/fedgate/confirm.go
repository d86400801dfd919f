package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fedgate/pkg/auth"
	"fedgate/pkg/config"
	"fedgate/pkg/handshake"
	"fedgate/pkg/types"
)

func confirmCmd() *cobra.Command {
	var (
		as          string
		handshakeID string
		contactID   int64
		introID     int64
		duplex      bool
		hidden      bool
	)

	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Approve a pending introduction and run the handshake",
		Long: `Approve an introduction for a local identity. The pending relationship is
selected by --handshake-id or --contact; the handshake parameters are then
posted to the remote confirm endpoint.

Pending relationships live in the store, so confirm needs the postgres
driver. The memory store starts empty on every run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			if as == "" {
				return fmt.Errorf("--as is required")
			}
			if handshakeID == "" && contactID == 0 {
				return fmt.Errorf("one of --handshake-id or --contact is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requirePersistentStore(cfg); err != nil {
				return err
			}
			ctx := cmd.Context()
			n, err := buildNode(ctx, cfg, false, logger)
			if err != nil {
				return err
			}
			defer n.Close()

			local, err := n.local(as)
			if err != nil {
				return err
			}

			n.notifier.Start(ctx)
			defer n.notifier.Stop()

			res, err := n.engine.Confirm(ctx, local, handshake.ConfirmRequest{
				HandshakeID: handshakeID,
				ContactID:   types.RelationshipID(contactID),
				IntroID:     introID,
				Duplex:      duplex,
				Hidden:      hidden,
			})
			if res != nil {
				printConfirmResult(res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "nickname of the approving local identity")
	cmd.Flags().StringVar(&handshakeID, "handshake-id", "", "handshake id of the pending relationship")
	cmd.Flags().Int64Var(&contactID, "contact", 0, "relationship id of the pending relationship")
	cmd.Flags().Int64Var(&introID, "intro", 0, "introduction to delete on success")
	cmd.Flags().BoolVar(&duplex, "duplex", false, "request a two-way relationship")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "hide the relationship from the profile")

	return cmd
}

// requirePersistentStore rejects stores that cannot hold relationships
// between process runs.
func requirePersistentStore(cfg *config.Config) error {
	if cfg.Store.Driver != config.StorePostgres {
		return fmt.Errorf("store driver %q keeps no relationships between runs; configure %q", cfg.Store.Driver, config.StorePostgres)
	}
	return nil
}

func printConfirmResult(res *handshake.Result) {
	line := fmt.Sprintf("status %d (%s)", res.Code, res.Code)
	if res.Message != "" {
		line += ": " + res.Message
	}
	switch res.Code {
	case handshake.StatusOK:
		fmt.Println(successStyle.Render("✅ Confirmed ") + line)
	case handshake.StatusTemporary:
		fmt.Println(warningStyle.Render("⏳ Retry later ") + line)
	default:
		fmt.Println(dangerStyle.Render("❌ Not confirmed ") + line)
	}
	if rel := res.Relationship; rel != nil {
		fmt.Println(contactsTable([]*types.Relationship{rel}))
	}
}

func keygenCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create site keys for configured local identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if force {
				if err := removeKeys(cfg, logger); err != nil {
					return err
				}
			}

			locals, err := cfg.BuildLocals(true)
			if err != nil {
				return err
			}

			t := newTable("ID", "NICKNAME", "HANDLE", "PAGE", "KEY")
			for _, l := range locals {
				t.Row(fmt.Sprint(l.ID), l.Nickname, l.Handle, pageName(l.PageType), keyFingerprint(l))
			}
			fmt.Println(t.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace existing keys")
	return cmd
}

func removeKeys(cfg *config.Config, logger *zap.Logger) error {
	for _, l := range cfg.LocalIdentities {
		path := l.KeyFile()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove key for %s: %w", l.Nickname, err)
		}
		logger.Info("Removed site key", zap.String("nickname", l.Nickname), zap.String("path", path))
	}
	return nil
}

func pageName(p types.PageType) string {
	switch p {
	case types.PageSoapbox:
		return "soapbox"
	case types.PageCommunity:
		return "community"
	case types.PageFreeLove:
		return "freelove"
	case types.PagePrivateGroup:
		return "private_group"
	default:
		return "normal"
	}
}

func keyFingerprint(l *types.LocalIdentity) string {
	pub, err := auth.ParsePublicKey(l.PublicKey)
	if err != nil {
		return dangerStyle.Render("invalid")
	}
	return fmt.Sprintf("rsa-%d", pub.N.BitLen())
}
