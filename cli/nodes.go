package cli

import (
	"context"

	"github.com/absmach/fedsync/pkg/sdk"
	"github.com/spf13/cobra"
)

var (
	DefTLSVerification = false
	DefSendTimeout     = "10s"
)

var fsdk sdk.SDK

func SetSDK(s sdk.SDK) {
	fsdk = s
}

var (
	senderID string
	epoch    uint64
)

func NewNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes [status|sync|clear|close]",
		Short: "Nodes management",
		Long:  `Inspect fleet nodes and drive the leader barrier.`,
	}

	statusCmd := &cobra.Command{
		Use:   "status <address>",
		Short: "Show node status",
		Long: `Show the training progress, pending queues and outbox of a node.

Examples:
  fedsync-cli nodes status localhost:7070`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			st, err := fsdk.Status(context.Background(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, st)
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync <leader address>",
		Short: "Synchronize a cluster",
		Long:  `Ask a leader to clear its cluster and start a new epoch.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			if err := fsdk.Synchronize(context.Background(), args[0]); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logOKCmd(*cmd)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <address>",
		Short: "Send a clear message",
		Long: `Send a clear message to a follower on behalf of its leader. Leaders
reject clear messages; use sync instead.

Examples:
  fedsync-cli nodes clear 10.0.0.2:7070 --sender 10.0.0.1:7070 --epoch 3`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 || senderID == "" {
				logUsageCmd(*cmd, cmd.Use+" --sender <leader id> [--epoch <n>]")

				return
			}

			if err := fsdk.SendClear(context.Background(), args[0], senderID, epoch); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logOKCmd(*cmd)
		},
	}
	clearCmd.Flags().StringVar(&senderID, "sender", "", "ID of the node the message is sent as")
	clearCmd.Flags().Uint64Var(&epoch, "epoch", 0, "epoch to fence")

	closeCmd := &cobra.Command{
		Use:   "close <address>",
		Short: "Close a node",
		Long:  `Ask a node to finish serving, evaluate its model and exit.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 || senderID == "" {
				logUsageCmd(*cmd, cmd.Use+" --sender <id>")

				return
			}

			if err := fsdk.SendClose(context.Background(), args[0], senderID); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logOKCmd(*cmd)
		},
	}
	closeCmd.Flags().StringVar(&senderID, "sender", "", "ID of the node the message is sent as")

	cmd.AddCommand(statusCmd, syncCmd, clearCmd, closeCmd)

	return cmd
}
