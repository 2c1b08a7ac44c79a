package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/switchyard/switchyard/internal/channel"
	"github.com/switchyard/switchyard/internal/config"
	"github.com/switchyard/switchyard/internal/db"
	"golang.org/x/term"
)

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Channel management commands",
	}

	cmd.AddCommand(newChannelCreateCmd())
	cmd.AddCommand(newChannelJoinCmd())
	cmd.AddCommand(newChannelListCmd())
	return cmd
}

func newChannelCreateCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
		name           string
		direct         bool
		participants   []string
		withPasscode   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a channel in a conversation",
		Long: `Creates a named channel. Direct channels require exactly two
participants and never carry a passcode. With --passcode the passcode is
read from the terminal without echo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}
			reg, err := channel.NewRegistry(gormDB)
			if err != nil {
				return err
			}

			passcode := ""
			if withPasscode && !direct {
				passcode, err = promptPasscode(cmd)
				if err != nil {
					return err
				}
			}

			ch, err := reg.Create(channel.Spec{
				ConversationID: conversationID,
				Name:           name,
				Passcode:       passcode,
				Direct:         direct,
				Participants:   participants,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created channel %q in conversation %s\n", ch.Name, conversationID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "channel name (required)")
	cmd.Flags().BoolVar(&direct, "direct", false, "create a direct channel (exactly two participants)")
	cmd.Flags().StringSliceVar(&participants, "participant", nil, "initial participant user id (repeatable)")
	cmd.Flags().BoolVar(&withPasscode, "passcode", false, "prompt for a passcode")
	cmd.MarkFlagRequired("conversation")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newChannelJoinCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
		name           string
		userID         string
		withPasscode   bool
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a user to a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}
			reg, err := channel.NewRegistry(gormDB)
			if err != nil {
				return err
			}

			passcode := ""
			if withPasscode {
				passcode, err = promptPasscode(cmd)
				if err != nil {
					return err
				}
			}

			if err := reg.Join(conversationID, name, userID, passcode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Joined %s to channel %q\n", userID, name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "channel name (required)")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id (required)")
	cmd.Flags().BoolVar(&withPasscode, "passcode", false, "prompt for the channel passcode")
	cmd.MarkFlagRequired("conversation")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newChannelListCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the channels of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}
			reg, err := channel.NewRegistry(gormDB)
			if err != nil {
				return err
			}

			chs, err := reg.ListByConversation(conversationID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(chs) == 0 {
				fmt.Fprintln(out, "No channels.")
				return nil
			}
			for _, ch := range chs {
				kind := "open"
				if ch.Direct {
					kind = "direct"
				} else if ch.Passcode != "" {
					kind = "passcode"
				}
				var members []string
				for _, m := range ch.Members {
					members = append(members, m.UserID)
				}
				fmt.Fprintf(out, "%-24s  %-8s  members: %s\n", ch.Name, kind, strings.Join(members, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	cmd.MarkFlagRequired("conversation")
	return cmd
}

// promptPasscode reads a passcode without echo when stdin is a terminal,
// falling back to a plain line read for piped input.
func promptPasscode(cmd *cobra.Command) (string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprint(out, "Passcode: ")

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read passcode: %w", err)
		}
		return string(data), nil
	}

	var passcode string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &passcode); err != nil {
		return "", fmt.Errorf("read passcode: %w", err)
	}
	return passcode, nil
}
