package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/protravka/protravka/engine"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/gateway/queue"
	"github.com/protravka/protravka/logkeys"

	"github.com/spf13/cobra"
)

func newOrdersCommand(opts *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders at the authority",
		Long: `List orders at the authority with their status.

By default only orders ready to execute are listed. Use --status ""
to list all orders.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDevice(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			orders, err := d.client.ListOrders(cmd.Context(), execution.OrderStatus(status))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tSTATUS\tPRODUCTS\tSEEDS\tCLAIMED BY")
			for _, o := range orders {
				var by string
				if o.ClaimedBy != nil {
					by = o.ClaimedBy.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s kg\t%s\n", o.ID, o.Status, len(o.Products), o.SeedsToTreatKg, by)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", string(execution.StatusReadyToExecute), "only list orders with status")
	return cmd
}

// walk runs the offline queue worker and the console for sess until
// the console ends.
func walk(cmd *cobra.Command, opts *rootOptions, d *device, sess *engine.Session) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	go func() {
		if err := d.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			opts.logger.Info(logkeys.Message, "queue worker stopped", logkeys.Error, err)
		}
	}()

	return newConsole(sess, cmd.InOrStdin(), cmd.OutOrStdout()).run(ctx)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <order>",
		Short: "Claim an order and execute it",
		Long: `Claim an order at the authority and walk through its execution.

The claim fails if another operator executes the order. Leaving with
quit keeps the execution; continue it with resume.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDevice(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			sess, err := d.engine.Start(cmd.Context(), args[0], d.operator)
			if err != nil {
				return err
			}
			return walk(cmd, opts, d, sess)
		},
	}
}

func newResumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [order]",
		Short: "Continue an execution",
		Long: `Continue an execution at the step it was left.

Without an order the executions active on this device are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDevice(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			if len(args) < 1 {
				return listActive(cmd, d)
			}
			sess, err := d.engine.Resume(cmd.Context(), args[0], d.operator)
			if err != nil {
				return err
			}
			return walk(cmd, opts, d, sess)
		},
	}
}

func listActive(cmd *cobra.Command, d *device) error {
	records, err := d.engine.Active(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tOPERATOR\tSTEP\tPRODUCT\tSEQ\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			r.OrderID, r.Operator, r.CurrentStep,
			r.CurrentProductIndex+1, r.ProductCount(), r.Seq,
			r.UpdatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func newAbandonCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <order>",
		Short: "Abandon an execution and release the order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDevice(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			sess, err := d.engine.Resume(cmd.Context(), args[0], d.operator)
			if err != nil {
				return err
			}
			defer sess.Close()
			if err = sess.Abandon(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abandoned %s\n", args[0])
			return nil
		},
	}
}

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the offline queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued saves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDevice(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHANNEL\tENQUEUED\tBYTES")
			for _, ch := range []string{queue.ChannelMedia, queue.ChannelRecord} {
				entries, err := d.queue.RetrieveEntries(cmd.Context(), ch)
				if err != nil {
					return fmt.Errorf("retrieving %s entries: %w", ch, err)
				}
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", e.ID, e.Channel, e.EnqueuedAt.Format(time.RFC3339), len(e.Payload))
				}
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Replay queued saves to the authority now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDevice(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			reports, err := d.worker.Flush(cmd.Context())
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tDELIVERED\tREJECTED\tEXPIRED\tREMAINING")
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", r.Channel, r.Delivered, r.Rejected, r.Expired, r.Remaining)
			}
			if ferr := w.Flush(); err == nil {
				err = ferr
			}
			return err
		},
	})

	return cmd
}
