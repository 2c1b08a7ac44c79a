package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/switchyard/switchyard/internal/config"
	"github.com/switchyard/switchyard/internal/db"
	"github.com/switchyard/switchyard/internal/models"
)

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Conversation management commands",
	}

	cmd.AddCommand(newConversationCreateCmd())
	cmd.AddCommand(newConversationListCmd())
	return cmd
}

func newConversationCreateCmd() *cobra.Command {
	var (
		configPath string
		title      string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			conv := &models.Conversation{ID: uuid.NewString(), Title: title}
			if err := gormDB.Create(conv).Error; err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created conversation %s\n", conv.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().StringVarP(&title, "title", "t", "", "conversation title")
	return cmd
}

func newConversationListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			var convs []models.Conversation
			if err := gormDB.Order("created_at ASC").Find(&convs).Error; err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations.")
				return nil
			}
			for _, conv := range convs {
				fmt.Fprintf(out, "%s  %-30q  %d messages\n", conv.ID, conv.Title, conv.MessageCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	return cmd
}
