package console

import (
	"github.com/spf13/cobra"
)

func NewConsoleCommand() *cobra.Command {
	var (
		channel string
		target  string
		private bool
		replyTo string
	)

	cmd := &cobra.Command{
		Use:     "console",
		Aliases: []string{"c"},
		Short:   "Interactively send messages through a channel",
		Example: "qqgate console --channel onebot --target 123456",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return consoleCmd(channel, target, private, replyTo)
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "qq", "Channel to send through (qq or onebot)")
	cmd.Flags().StringVarP(&target, "target", "t", "", "Group or user id to send to")
	cmd.Flags().BoolVarP(&private, "private", "p", false, "Target is a user, not a group")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "Inbound message id to reply to")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}
