package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Manage brokers and dashboard tokens",
}

var brokerCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a broker and print their share slug",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		slug, _ := cmd.Flags().GetString("slug")
		phone, _ := cmd.Flags().GetString("phone")
		whatsapp, _ := cmd.Flags().GetString("whatsapp")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "broker create: migrate")
		}

		broker, err := st.CreateBroker(ctx, name, slug, phone, whatsapp)
		if err != nil {
			return eris.Wrap(err, "broker create")
		}

		zap.L().Info("broker created", zap.String("broker_id", broker.ID), zap.String("slug", broker.Slug))
		fmt.Printf("broker %s created\nshare link path: /economizar/%s\n", broker.ID, broker.Slug)
		return nil
	},
}

var brokerTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a dashboard session token for a broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		slug, _ := cmd.Flags().GetString("broker")
		ttlHours, _ := cmd.Flags().GetInt("ttl")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		broker, err := st.GetBrokerBySlug(ctx, slug)
		if err != nil {
			return eris.Wrapf(err, "broker token: broker %q", slug)
		}

		token := uuid.New().String()
		expiresAt := time.Now().UTC().Add(time.Duration(ttlHours) * time.Hour)
		if err := st.PutSession(ctx, broker.ID, token, expiresAt); err != nil {
			return eris.Wrap(err, "broker token")
		}

		fmt.Printf("token: %s\nexpires: %s\n", token, expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	brokerCreateCmd.Flags().String("name", "", "broker display name (required)")
	brokerCreateCmd.Flags().String("slug", "", "share link slug (required)")
	brokerCreateCmd.Flags().String("phone", "", "contact phone")
	brokerCreateCmd.Flags().String("whatsapp", "", "WhatsApp number")
	brokerCreateCmd.MarkFlagRequired("name")
	brokerCreateCmd.MarkFlagRequired("slug")

	brokerTokenCmd.Flags().String("broker", "", "broker slug (required)")
	brokerTokenCmd.Flags().Int("ttl", 24, "token lifetime in hours")
	brokerTokenCmd.MarkFlagRequired("broker")

	brokerCmd.AddCommand(brokerCreateCmd)
	brokerCmd.AddCommand(brokerTokenCmd)
	rootCmd.AddCommand(brokerCmd)
}
