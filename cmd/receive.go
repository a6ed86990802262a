package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/internal/app"
	"peerdrop/internal/ui"
)

// receiveCmd represents the receive command
var receiveCmd = &cobra.Command{
	Use:   "receive <ticket>",
	Short: "Fetch the content described by a ticket",
	Long: `Receive content from a sender. This will:

1. Connect to the node named in the ticket
2. Download and verify every blob into a staging directory
3. Export the result to the destination

Without --dst a single file is written to the current directory under the
sender's name, and a directory keeps its own name. With --interactive the
destination is asked for instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReceiverApp(args[0])
	},
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().String("dst", "", "output file for a single file, parent directory for a collection")
	receiveCmd.Flags().BoolP("interactive", "i", false, "ask where to save the received content")

	v.BindPFlag("receive.dst", receiveCmd.Flags().Lookup("dst"))
	v.BindPFlag("receive.interactive", receiveCmd.Flags().Lookup("interactive"))
}

// runReceiverApp creates and runs the receiver application
func runReceiverApp(ticketText string) error {
	ctx, stop := createContext(nil)
	defer stop()

	svc, err := createServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	term := ui.NewTerminal(os.Stdin, os.Stdout, os.Stderr, cfg.Receive.Interactive)
	view, stopView := startPresenter(term)
	defer stopView()

	opts := &app.ReceiverOptions{
		Ticket:      ticketText,
		Destination: cfg.Receive.Destination,
		Picker:      term,
		View:        view,
	}

	logrus.Info("Starting receiver")
	receiverApp := app.NewReceiverApp(cfg, svc.identity, svc.relay, svc.directory)
	if err := receiverApp.Run(ctx, opts); err != nil {
		return fmt.Errorf("receive failed: %w", err)
	}
	return nil
}
