package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shohag/kindlerelay/internal/delivery"
	"github.com/shohag/kindlerelay/internal/models"
)

func userCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	// user create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user from an existing source access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			token, _ := cmd.Flags().GetString("token")
			kindle, _ := cmd.Flags().GetString("kindle-email")
			credits, _ := cmd.Flags().GetInt("credits")
			sub, _ := cmd.Flags().GetString("subscription")
			if username == "" || token == "" {
				return fmt.Errorf("--username and --token are required")
			}
			if kindle != "" && !models.IsKindleEmail(kindle) {
				return fmt.Errorf("invalid kindle email %q", kindle)
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			u := &models.User{
				ID:           models.NewID("usr"),
				Username:     username,
				Token:        token,
				Active:       true,
				Subscription: models.Subscription(sub),
				Credits:      credits,
				KindleEmail:  kindle,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := store.CreateUser(context.Background(), u); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}

			printJSON(u)
			return nil
		},
	}
	createCmd.Flags().String("username", "", "source username")
	createCmd.Flags().String("token", "", "source access token")
	createCmd.Flags().String("kindle-email", "", "default kindle address")
	createCmd.Flags().Int("credits", models.StarterCredits, "starting credits")
	createCmd.Flags().String("subscription", string(models.SubscriptionFree), "subscription tier")

	// user list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			users, err := store.ListUsers(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}

			if len(users) == 0 {
				fmt.Println("No users found.")
				return nil
			}

			for _, u := range users {
				fmt.Printf("  %s  %-20s  %-12s  %3d credits  (created %s)\n",
					u.ID, u.Username, u.Subscription, u.Credits, u.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	// user credits
	creditsCmd := &cobra.Command{
		Use:   "credits <user_id> <amount>",
		Short: "Set a user's credit balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return fmt.Errorf("amount must be a non-negative integer")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.SetUserCredits(context.Background(), args[0], n); err != nil {
				return fmt.Errorf("failed to set credits: %w", err)
			}
			fmt.Printf("%s now has %d credits\n", args[0], n)
			return nil
		},
	}

	// user stats
	statsCmd := &cobra.Command{
		Use:   "stats <user_id>",
		Short: "Show delivery stats for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			printJSON(stats)
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, creditsCmd, statsCmd)
	return cmd
}

func deliveryCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delivery",
		Short: "Inspect and run deliveries",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			var dlvs []models.Delivery
			if userID != "" {
				dlvs, err = store.ListDeliveriesByUser(context.Background(), userID)
			} else {
				dlvs, err = store.ListDeliveries(context.Background())
			}
			if err != nil {
				return fmt.Errorf("failed to list deliveries: %w", err)
			}

			if len(dlvs) == 0 {
				fmt.Println("No deliveries found.")
				return nil
			}

			for _, d := range dlvs {
				when := string(d.Frequency)
				if len(d.Days) > 0 {
					when += " " + strings.Join(d.Days, ",")
				}
				fmt.Printf("  %s  %s  %-9s  %-20s  active=%t  mailings=%d\n",
					d.ID, d.UserID, d.Time, when, d.Active, len(d.Mailings))
			}
			return nil
		},
	}
	listCmd.Flags().String("user", "", "only deliveries owned by this user")

	previewCmd := &cobra.Command{
		Use:   "preview <delivery_id>",
		Short: "Show the articles a delivery would send right now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			articles, err := a.dispatcher.Preview(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(articles) == 0 {
				fmt.Println("Nothing matches the query.")
				return nil
			}
			for _, art := range articles {
				fmt.Printf("  %-12s  %5.1f min  %s\n", art.ItemID, art.ReadingMinutes(), art.Title)
			}
			return nil
		},
	}

	sendCmd := &cobra.Command{
		Use:   "send <delivery_id>",
		Short: "Send a delivery now, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.dispatcher.Deliver(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s: %s\n", args[0], res.Outcome)
			if res.Mailing != nil {
				fmt.Printf("  mailing %s with %d articles\n", res.Mailing.ID, len(res.Mailing.Articles))
			}
			if res.Outcome == delivery.OutcomeFailed {
				return res.Err
			}
			if res.Err != nil {
				fmt.Printf("  warning: %v\n", res.Err)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, previewCmd, sendCmd)
	return cmd
}
