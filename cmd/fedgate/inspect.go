package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fedgate/pkg/federation"
	"fedgate/pkg/types"
)

func resolveCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "resolve <user@host>",
		Short: "Resolve a remote identity through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			n, err := buildNode(ctx, cfg, false, logger)
			if err != nil {
				return err
			}
			defer n.Close()

			id, err := n.resolver.Resolve(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}

			if jsonOutput {
				return printJSON(id)
			}
			fmt.Println(renderIdentity(id))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func renderIdentity(id *types.Identity) string {
	lines := []string{
		titleStyle.Render("🌐 " + id.Handle),
		field("Protocol", id.Protocol),
		field("Name", id.Name),
		field("GUID", id.GUID),
		field("Profile", id.ProfileURL),
		field("Avatar", id.AvatarURL),
		field("Poll", id.PollURL),
		field("Notify", id.NotifyURL),
		field("Confirm", id.ConfirmURL),
		field("Updated", id.UpdatedAt.Format("2006-01-02 15:04:05")),
	}
	if id.PublicKey != "" {
		lines = append(lines, field("Public key", successStyle.Render("present")))
	} else {
		lines = append(lines, field("Public key", warningStyle.Render("missing")))
	}
	return strings.Join(lines, "\n")
}

func contactsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "contacts <nickname>",
		Short: "List the relationships of a local identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			n, err := buildNode(ctx, cfg, false, logger)
			if err != nil {
				return err
			}
			defer n.Close()

			local, err := n.local(args[0])
			if err != nil {
				return err
			}
			rels, err := n.store.ListRelationships(ctx, local.ID)
			if err != nil {
				return fmt.Errorf("failed to list relationships: %w", err)
			}

			if jsonOutput {
				views := make([]contactView, 0, len(rels))
				for _, r := range rels {
					views = append(views, newContactView(r))
				}
				return printJSON(views)
			}
			if len(rels) == 0 {
				fmt.Println(warningStyle.Render("⚠️  No relationships for " + local.Handle))
				return nil
			}
			fmt.Println(titleStyle.Render("👥 " + local.Handle))
			fmt.Println(contactsTable(rels))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// contactView is the JSON form of a relationship, without key material.
type contactView struct {
	ID         int64  `json:"id"`
	Handle     string `json:"handle"`
	URL        string `json:"url"`
	Name       string `json:"name,omitempty"`
	Network    string `json:"network"`
	Relation   string `json:"relation"`
	Duplex     bool   `json:"duplex"`
	Blocked    bool   `json:"blocked"`
	Pending    bool   `json:"pending"`
	Hidden     bool   `json:"hidden"`
	ReadOnly   bool   `json:"readonly"`
	Forum      bool   `json:"forum"`
	Private    bool   `json:"private"`
	IssuedID   bool   `json:"has_issued_id"`
	ReceivedID bool   `json:"has_received_id"`
	Updated    string `json:"updated"`
}

func newContactView(r *types.Relationship) contactView {
	return contactView{
		ID:         int64(r.ID),
		Handle:     r.Handle,
		URL:        r.URL,
		Name:       r.Name,
		Network:    r.Network,
		Relation:   r.Relation.String(),
		Duplex:     r.Duplex,
		Blocked:    r.Blocked,
		Pending:    r.Pending,
		Hidden:     r.Hidden,
		ReadOnly:   r.ReadOnly,
		Forum:      r.Forum,
		Private:    r.Private,
		IssuedID:   r.IssuedID != "",
		ReceivedID: r.ReceivedID != "",
		Updated:    r.UpdatedAt.Format(time.RFC3339),
	}
}

func contactsTable(rels []*types.Relationship) string {
	t := newTable("ID", "HANDLE", "NETWORK", "RELATION", "STATE", "HANDSHAKE", "UPDATED")
	for _, r := range rels {
		t.Row(
			strconv.FormatInt(int64(r.ID), 10),
			r.Handle,
			r.Network,
			r.Relation.String(),
			relationshipState(r),
			handshakeState(r),
			r.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return t.String()
}

func relationshipState(r *types.Relationship) string {
	var flags []string
	switch {
	case r.Blocked:
		flags = append(flags, dangerStyle.Render("blocked"))
	case r.Pending:
		flags = append(flags, warningStyle.Render("pending"))
	default:
		flags = append(flags, successStyle.Render("active"))
	}
	if r.ReadOnly {
		flags = append(flags, "readonly")
	}
	if r.Hidden {
		flags = append(flags, "hidden")
	}
	if r.Duplex {
		flags = append(flags, "duplex")
	}
	if r.Forum {
		flags = append(flags, "forum")
	}
	if r.Private {
		flags = append(flags, "private")
	}
	return strings.Join(flags, " ")
}

func handshakeState(r *types.Relationship) string {
	switch {
	case r.IssuedID != "" && r.ReceivedID != "":
		return "both ids"
	case r.IssuedID != "":
		return "issued"
	case r.ReceivedID != "":
		return "received"
	default:
		return mutedStyle.Render("-")
	}
}

func verifyCmd() *cobra.Command {
	var sender string

	cmd := &cobra.Command{
		Use:   "verify <envelope.xml>",
		Short: "Verify the signatures of a saved envelope",
		Long: `Parse an envelope, normalize it and check its author and parent author
signatures against the keys published by the sender. Use - to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			if sender == "" {
				return fmt.Errorf("--sender is required")
			}
			raw, err := readInput(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			n, err := buildNode(ctx, cfg, false, logger)
			if err != nil {
				return err
			}
			defer n.Close()

			return verifyEnvelope(ctx, n, sender, raw, logger)
		},
	}

	cmd.Flags().StringVar(&sender, "sender", "", "handle of the delivering node (user@host)")
	return cmd
}

func verifyEnvelope(ctx context.Context, n *node, sender string, raw []byte, logger *zap.Logger) error {
	env, err := n.verifier.Verify(ctx, raw, sender)
	if err != nil {
		fmt.Println(dangerStyle.Render("❌ Rejected: " + federation.RejectClass(err)))
		fmt.Println(mutedStyle.Render(err.Error()))
		return err
	}

	logger.Debug("Envelope verified", zap.String("type", env.Type), zap.Int("fields", len(env.Fields)))
	fmt.Println(successStyle.Render("✅ Verified " + env.Type))
	if author := env.Author(); author != "" {
		fmt.Println(field("Author", author))
	}
	fmt.Println(field("Legacy", strconv.FormatBool(env.Legacy)))

	t := newTable("FIELD", "VALUE")
	for _, f := range env.Fields {
		value := f.Value
		if len(value) > 60 {
			value = value[:57] + "..."
		}
		t.Row(f.Name, value)
	}
	fmt.Println(t.String())
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
