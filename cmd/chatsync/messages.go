package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	historyCmd.Flags().Int64("before", 0, "Only messages older than this unix-ms timestamp")
	historyCmd.Flags().IntP("limit", "n", chatsync.DefaultPageSize, "Maximum number of messages")
	historyCmd.Flags().Bool("json", false, "Output raw JSON")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(historyCmd)
}

// memberStore returns a store client and convID as the configured user sees
// it, failing when the user is not a participant.
func memberStore(ctx context.Context, convID string) (*Config, *chatsync.HTTPStore, chatsync.Conversation, error) {
	cfg := mustConfig()
	store := newHTTPStore(cfg)
	conv, err := lookupConversation(ctx, store, cfg.Default.UserID, convID)
	return cfg, store, conv, err
}

var sendCmd = &cobra.Command{
	Use:   "send <conv> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cfg, store, conv, err := memberStore(ctx, args[0])
		if err != nil {
			return err
		}
		text := chatsync.Sanitize(args[1])
		if text == "" {
			return chatsync.ErrEmptyMessage
		}
		ack, err := store.WriteMessage(ctx, chatsync.NewMessage{
			ConversationID: conv.ID,
			SenderID:       cfg.Default.UserID,
			Text:           text,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s at %s\n", ack.ID, time.UnixMilli(ack.Timestamp).Format(time.RFC3339))
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <conv> <message-id> <text>",
	Short: "Replace the text of a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_, store, _, err := memberStore(ctx, args[0])
		if err != nil {
			return err
		}
		text := chatsync.Sanitize(args[2])
		if text == "" {
			return chatsync.ErrEmptyMessage
		}
		if err := store.UpdateMessageText(ctx, args[1], text); err != nil {
			return err
		}
		fmt.Printf("Edited %s\n", args[1])
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <conv> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_, store, _, err := memberStore(ctx, args[0])
		if err != nil {
			return err
		}
		if err := store.DeleteMessage(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[1])
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conv>",
	Short: "Show one page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cfg, store, conv, err := memberStore(ctx, args[0])
		if err != nil {
			return err
		}
		before, _ := cmd.Flags().GetInt64("before")
		limit, _ := cmd.Flags().GetInt("limit")

		page, err := fetchPage(ctx, store, cfg.Default.UserID, conv, before, limit)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			for i := range page {
				page[i].Text = chatsync.Desanitize(page[i].Text)
			}
			out, _ := json.MarshalIndent(page, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		if len(page) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range page {
			printMessage("", m)
		}
		return nil
	},
}
