package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/internal/app"
	"peerdrop/internal/ticket"
	"peerdrop/internal/ui"
	"peerdrop/internal/watch"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <path>",
	Short: "Send a file or directory and print a ticket for it",
	Long: `Send a file or directory. This will:

1. Import the content and compute its hashes
2. Print a ticket describing where and what to fetch
3. Serve the content to every receiver presenting the ticket

Interrupt once to stop accepting new receivers and wait for active
transfers, twice to abort immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSenderApp(args[0])
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("ticket-type", "", "address info in the ticket: id, relay, addresses or relay-and-addresses")
	sendCmd.Flags().Int("transfers", 0, "stop after this many completed transfers (0 serves until interrupted)")
	sendCmd.Flags().String("listen", "", "TCP address to accept direct connections on")

	v.BindPFlag("send.ticket_type", sendCmd.Flags().Lookup("ticket-type"))
	v.BindPFlag("send.transfers", sendCmd.Flags().Lookup("transfers"))
	v.BindPFlag("transport.listen_addr", sendCmd.Flags().Lookup("listen"))
}

// runSenderApp creates and runs the sender application
func runSenderApp(path string) error {
	ticketType, err := ticket.ParseAddrInfoOptions(cfg.Send.TicketType)
	if err != nil {
		return err
	}

	cancel := watch.New(false)
	ctx, stop := createContext(func() { cancel.Send(true) })
	defer stop()

	svc, err := createServices(ctx, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	view, stopView := startPresenter(ui.NewProgressUI(os.Stdout, os.Stderr))
	defer stopView()

	opts := &app.SenderOptions{
		Path:              path,
		TicketType:        ticketType,
		ExpectedTransfers: cfg.Send.ExpectedTransfers,
		Cancel:            cancel,
		View:              view,
	}

	logrus.WithField("path", path).Info("Starting sender")
	senderApp := app.NewSenderApp(cfg, svc.identity, svc.relay, svc.directory)
	outcome, err := senderApp.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	logrus.WithField("outcome", outcome.String()).Info("Sender finished")
	return nil
}
