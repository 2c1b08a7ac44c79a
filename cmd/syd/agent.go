package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/switchyard/switchyard/internal/config"
	"github.com/switchyard/switchyard/internal/db"
	"github.com/switchyard/switchyard/internal/models"
	"github.com/switchyard/switchyard/internal/trigger"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent management commands",
	}

	cmd.AddCommand(newAgentAddCmd())
	cmd.AddCommand(newAgentListCmd())
	return cmd
}

func newAgentAddCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
		name           string
		agentType      string
		triggersPath   string
		active         bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an agent to a conversation",
		Long: `Persists an agent instance. Triggers are read from a JSON file;
an omitted file leaves the agent without triggers (periodic timers and
introductions are established when the daemon reconciles).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			triggers := ""
			if triggersPath != "" {
				data, err := os.ReadFile(triggersPath)
				if err != nil {
					return fmt.Errorf("read triggers: %w", err)
				}
				if _, err := trigger.Parse(string(data)); err != nil {
					return err
				}
				triggers = string(data)
			}

			agent := &models.AgentInstance{
				ConversationID: conversationID,
				Name:           name,
				AgentType:      agentType,
				Triggers:       triggers,
				Active:         active,
			}
			if err := gormDB.Create(agent).Error; err != nil {
				return fmt.Errorf("create agent: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added agent %q (id %d) to conversation %s\n",
				name, agent.ID, conversationID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "agent name (required)")
	cmd.Flags().StringVar(&agentType, "type", "responder", "agent type")
	cmd.Flags().StringVar(&triggersPath, "triggers", "", "path to a triggers JSON file")
	cmd.Flags().BoolVar(&active, "active", true, "create the agent active")
	cmd.MarkFlagRequired("conversation")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the agents of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			var agents []models.AgentInstance
			err = gormDB.Where("conversation_id = ?", conversationID).
				Order("name ASC").
				Find(&agents).Error
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, "No agents.")
				return nil
			}
			for _, a := range agents {
				state := "inactive"
				if a.Active {
					state = "active"
				}
				fmt.Fprintf(out, "%-6d %-24s %-12s %-8s watermark=%d\n",
					a.ID, a.Name, a.AgentType, state, a.LastActiveMessageCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	cmd.MarkFlagRequired("conversation")
	return cmd
}
