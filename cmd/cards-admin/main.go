package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cl "github.com/ethsmith/csc-trading-cards-api/internal/cli"
	"github.com/ethsmith/csc-trading-cards-api/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "cards-admin",
		Short:        "Operator CLI for the trading cards API",
		SilenceUsage: true,
	}

	root.AddCommand(
		newLoginCmd(&apiBase, cfg.AdminToken),
		newLogoutCmd(),
		newCodeCmd(&apiBase),
		newGiftCmd(&apiBase),
		newGrantCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

// clientFor prefers the base URL stored at login time over the environment.
func clientFor(apiBase *string, creds cl.Credentials) *cl.Client {
	base := strings.TrimSpace(creds.APIBaseURL)
	if base == "" {
		base = *apiBase
	}
	return cl.NewClient(strings.TrimRight(base, "/"))
}

func newLoginCmd(apiBase *string, envToken string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the admin token for this API",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(envToken)
			if token == "" {
				var err error
				token, err = promptRequired("Admin token")
				if err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			if err := client.Health(ctx); err != nil {
				return fmt.Errorf("api unreachable: %w", err)
			}
			if _, err := client.ListCodes(ctx, token, false); err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}
			if err := cl.SaveCredentials(cl.Credentials{
				APIBaseURL: strings.TrimRight(strings.TrimSpace(*apiBase), "/"),
				AdminToken: token,
			}); err != nil {
				return err
			}
			printSuccess("Login successful. Credentials saved.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearCredentials(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newCodeCmd(apiBase *string) *cobra.Command {
	code := &cobra.Command{
		Use:     "code",
		Short:   "Redemption code commands",
		Aliases: []string{"codes"},
	}
	code.AddCommand(newCodeCreateCmd(apiBase))
	code.AddCommand(newCodeListCmd(apiBase))
	return code
}

func newCodeCreateCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Mint a redemption code",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := cl.LoadCredentials()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			packs, err := promptInt64("Packs granted", 1)
			if err != nil {
				return err
			}
			cardsPerPack, err := promptInt64Default("Cards per pack (0 = server default)", 0, 0)
			if err != nil {
				return err
			}
			rarity, err := promptChoice("Guaranteed rarity", []string{"none", "common", "uncommon", "rare", "epic", "legendary"}, "none")
			if err != nil {
				return err
			}
			guaranteed := int64(0)
			if rarity == "none" {
				rarity = ""
			} else {
				guaranteed, err = promptInt64("Guaranteed count", 1)
				if err != nil {
					return err
				}
			}
			expiresAt, err := promptExpiry()
			if err != nil {
				return err
			}
			issuedBy, err := promptOptional("Issued by (optional)")
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := clientFor(apiBase, creds)
			out, err := client.CreateCode(ctx, creds.AdminToken, cl.CodeRequest{
				IssuedBy:         issuedBy,
				PackCount:        packs,
				CardsPerPack:     int(cardsPerPack),
				GuaranteedRarity: rarity,
				GuaranteedCount:  int(guaranteed),
				ExpiresAt:        expiresAt,
			})
			if err != nil {
				return err
			}
			return renderCode(out)
		},
	}
}

func newCodeListCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list [all]",
		Short: "List open codes, or every code with `all`",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := cl.LoadCredentials()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			all := len(args) == 1 && strings.EqualFold(strings.TrimSpace(args[0]), "all")
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := clientFor(apiBase, creds)
			out, err := client.ListCodes(ctx, creds.AdminToken, all)
			if err != nil {
				return err
			}
			return renderCodeList(out)
		},
	}
}

func newGiftCmd(apiBase *string) *cobra.Command {
	gift := &cobra.Command{
		Use:     "gift",
		Short:   "Gift commands",
		Aliases: []string{"gifts"},
	}
	gift.AddCommand(newGiftCreateCmd(apiBase))
	return gift
}

func newGiftCreateCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Send a pack gift to one user or to everyone",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := cl.LoadCredentials()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			audience, err := promptChoice("Audience", []string{"user", "broadcast"}, "user")
			if err != nil {
				return err
			}
			recipient := ""
			if audience == "user" {
				recipient, err = promptRequired("Recipient Discord ID")
				if err != nil {
					return err
				}
			}
			name, err := promptRequired("Gift name")
			if err != nil {
				return err
			}
			packs, err := promptInt64("Packs granted", 1)
			if err != nil {
				return err
			}
			expiresAt, err := promptExpiry()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := clientFor(apiBase, creds)
			out, err := client.CreateGift(ctx, creds.AdminToken, cl.GiftRequest{
				RecipientID: recipient,
				Broadcast:   audience == "broadcast",
				Name:        name,
				PackCount:   packs,
				ExpiresAt:   expiresAt,
			})
			if err != nil {
				return err
			}
			return renderGiftResult(out)
		},
	}
}

func newGrantCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "grant [discord-id]",
		Short: "Grant packs directly to a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := cl.LoadCredentials()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			var userID string
			if len(args) == 1 {
				userID = strings.TrimSpace(args[0])
			}
			if userID == "" {
				userID, err = promptRequired("Recipient Discord ID")
				if err != nil {
					return err
				}
			}
			packs, err := promptInt64("Packs to grant", 1)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := clientFor(apiBase, creds)
			out, err := client.Grant(ctx, creds.AdminToken, userID, packs)
			if err != nil {
				return err
			}
			return renderGrantResult(out)
		},
	}
}
