package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proofline/internal/app"
	"proofline/internal/domain"
	"proofline/internal/engine"
	"proofline/internal/repo"
	"proofline/internal/server"
	"proofline/internal/upload"
)

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Manage orders awaiting proofs",
	}
	cmd.AddCommand(orderCreateCmd())
	return cmd
}

func orderCreateCmd() *cobra.Command {
	var in engine.CreateOrderInput
	var items []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order",
		Example: `  pl order create --number CMD-1042 --client-name "Marie Tremblay" --client-email marie@exemple.ca \
    --item "Cartes d'affaires:500:4500"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range items {
				item, err := parseItem(raw)
				if err != nil {
					return err
				}
				in.Items = append(in.Items, item)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				order, err := a.Engine.CreateOrder(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(order)
				}
				fmt.Printf("order %s created (%s)\n", order.Number, order.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Number, "number", "", "order number")
	cmd.Flags().StringVar(&in.ClientName, "client-name", "", "client name")
	cmd.Flags().StringVar(&in.ClientEmail, "client-email", "", "client email (required to send proofs)")
	cmd.Flags().StringVar(&in.ClientCompany, "company", "", "client company")
	cmd.Flags().StringArrayVar(&items, "item", nil, "line item as description:quantity:unit_price_cents (repeatable)")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("client-name")
	return cmd
}

// parseItem reads "description:quantity:unit_price_cents". The description
// may itself contain colons.
func parseItem(raw string) (engine.OrderItemInput, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 {
		return engine.OrderItemInput{}, fmt.Errorf("item %q: expected description:quantity:unit_price_cents", raw)
	}
	n := len(parts)
	qty, err := strconv.Atoi(parts[n-2])
	if err != nil || qty <= 0 {
		return engine.OrderItemInput{}, fmt.Errorf("item %q: invalid quantity", raw)
	}
	price, err := strconv.ParseInt(parts[n-1], 10, 64)
	if err != nil || price < 0 {
		return engine.OrderItemInput{}, fmt.Errorf("item %q: invalid unit price", raw)
	}
	return engine.OrderItemInput{
		Description:    strings.Join(parts[:n-2], ":"),
		Quantity:       qty,
		UnitPriceCents: price,
	}, nil
}

func proofCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Upload, list and send proofs",
	}
	cmd.AddCommand(proofUploadCmd())
	cmd.AddCommand(proofListCmd())
	cmd.AddCommand(proofSendCmd(false))
	cmd.AddCommand(proofSendCmd(true))
	cmd.AddCommand(proofLinkCmd())
	return cmd
}

func proofUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <order> <file>",
		Short: "Upload a new proof version for an order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				spooled, err := upload.Spool(f, f.Name(), upload.Limits{
					MaxBytes:     a.Config.Uploads.MaxBytes,
					AllowedTypes: a.Config.Uploads.AllowedTypes,
				})
				if err != nil {
					return err
				}
				defer spooled.Close()
				p, err := a.Engine.UploadProof(ctx, engine.UploadInput{
					OrderRef: args[0],
					File:     spooled,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("proof %s uploaded as version %d (%s)\n", p.ID, p.Version, p.Status)
				return nil
			})
		},
	}
}

func proofListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <order>",
		Short: "List proof versions of an order, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				order, versions, err := a.Engine.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"order": order, "versions": versions})
				}
				fmt.Printf("Order %s: %s\n", order.Number, order.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "ID", "Status", "File", "Sent", "Decided", ""})
				for _, v := range versions {
					latest := ""
					if v.Latest {
						latest = "latest"
					}
					tw.AppendRow(table.Row{v.Proof.Version, v.Proof.ID, v.Proof.Status, v.Proof.FileName,
						deref(v.Proof.SentAt), deref(v.Proof.DecidedAt), latest})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func proofSendCmd(resend bool) *cobra.Command {
	use, short := "send <proof-id>", "Send a prepared proof to the client"
	if resend {
		use, short = "resend <proof-id>", "Email the approval link again"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				var (
					res engine.SendResult
					err error
				)
				if resend {
					res, err = a.Engine.ResendProof(ctx, args[0], actor)
				} else {
					res, err = a.Engine.SendProof(ctx, args[0], actor)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("proof v%d is %s\n", res.Proof.Version, res.Proof.Status)
				fmt.Println("link:", res.Link)
				fmt.Printf("email to %s: %s\n", res.Notification.Recipient, res.Notification.Status)
				if res.DeliveryError != "" {
					fmt.Fprintln(os.Stderr, "warning: email not sent:", res.DeliveryError)
				}
				for _, pf := range res.PartialFailures {
					fmt.Fprintln(os.Stderr, "warning:", pf.Error())
				}
				return nil
			})
		},
	}
}

func proofLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <proof-id>",
		Short: "Print the client link of a proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				link, err := a.Engine.ShareLink(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"link": link})
				}
				fmt.Println(link)
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <order>",
		Short: "Show the approval history of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.OrderHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Type", "Description", "Actor", "Client"})
				for _, h := range entries {
					client := ""
					if h.ClientAction {
						client = "yes"
					}
					tw.AppendRow(table.Row{h.CreatedAt, h.Type, h.Description, h.ActorID, client})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries (0 = all)")
	return cmd
}

func notificationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notifications <proof-id>",
		Short: "List emails sent for a proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Notifications(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Recipient", "Status", "Attempts", "Last error", "Updated"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Recipient, n.Status, n.Attempts, deref(n.LastError), n.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Staff bearer tokens",
	}
	var actor, role string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a staff JWT with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			if _, ok := cfg.RBAC.Roles[role]; !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			tok, err := server.MintToken(cfg.Server.JWTSecret, actor, role, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok, "actor_id": actor, "role": role, "expires_in": ttl.String()})
			}
			fmt.Println(tok)
			return nil
		},
	}
	mint.Flags().StringVar(&actor, "actor", "", "actor id (default --actor-id)")
	mint.Flags().StringVar(&role, "role", "staff", "role from rbac.roles")
	mint.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.AddCommand(mint)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage staff API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				if _, ok := a.Config.RBAC.Roles[role]; !ok {
					return fmt.Errorf("unknown role %q", role)
				}
				secret := "pl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Role:      role,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("api key %s for %s (%s)\n", key.ID, key.ActorID, key.Role)
				fmt.Println(secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (default --actor-id)")
	cmd.Flags().StringVar(&role, "role", "staff", "role from rbac.roles")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}
