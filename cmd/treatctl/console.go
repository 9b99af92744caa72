package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/protravka/protravka/engine"
	"github.com/protravka/protravka/execution"

	"github.com/shopspring/decimal"
)

var errQuit = errors.New("quit")

// session is the part of *engine.Session the console drives.
type session interface {
	View() *engine.View
	Affirm(ctx context.Context) error
	ChooseMethod(ctx context.Context, m execution.Method) error
	EnterAppliedRate(ctx context.Context, kg decimal.Decimal) error
	EnterPackedQuantity(ctx context.Context, kg decimal.Decimal) error
	EnterConsumption(ctx context.Context, kg decimal.Decimal) error
	CapturePhoto(ctx context.Context) (string, error)
	Next(ctx context.Context) error
	Abandon(ctx context.Context) error
	Close() error
}

const consoleHelp = `commands:
  show                 show the current step
  affirm               affirm the current step
  method slurry|cds    choose the application method
  rate <kg>            enter the applied rate of the current product
  packed <kg>          enter the packed quantity
  consumption <kg>     enter the consumption
  photo                capture the photo of the current step
  next                 go to the next step
  abandon              abandon the execution and release the order
  quit                 leave; the execution can be resumed`

// console walks an operator through a session line by line.
type console struct {
	sess session
	in   *bufio.Scanner
	out  io.Writer
}

func newConsole(sess session, in io.Reader, out io.Writer) *console {
	return &console{sess: sess, in: bufio.NewScanner(in), out: out}
}

// run reads commands until the execution is finished, the operator
// quits or input ends. Action errors are shown and the walk goes on.
func (c *console) run(ctx context.Context) error {
	defer c.sess.Close()
	c.show()
	for {
		if c.sess.View().Finished {
			return nil
		}
		fmt.Fprint(c.out, "> ")
		if !c.in.Scan() {
			fmt.Fprintln(c.out)
			return c.in.Err()
		}
		err := c.exec(ctx, strings.Fields(c.in.Text()))
		if errors.Is(err, errQuit) {
			return nil
		} else if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func parseKg(args []string) (decimal.Decimal, error) {
	if len(args) != 1 {
		return decimal.Decimal{}, errors.New("expected one quantity in kg")
	}
	return decimal.NewFromString(args[0])
}

func (c *console) exec(ctx context.Context, fields []string) error {
	if len(fields) < 1 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	var err error
	switch cmd {
	case "show":
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit
	case "affirm":
		err = c.sess.Affirm(ctx)
	case "method":
		if len(args) != 1 {
			return errors.New("expected slurry or cds")
		}
		err = c.sess.ChooseMethod(ctx, execution.Method(args[0]))
	case "rate", "packed", "consumption":
		var qty decimal.Decimal
		if qty, err = parseKg(args); err != nil {
			return err
		}
		switch cmd {
		case "rate":
			err = c.sess.EnterAppliedRate(ctx, qty)
		case "packed":
			err = c.sess.EnterPackedQuantity(ctx, qty)
		default:
			err = c.sess.EnterConsumption(ctx, qty)
		}
	case "photo":
		var id string
		if id, err = c.sess.CapturePhoto(ctx); err == nil {
			fmt.Fprintf(c.out, "captured %s\n", id)
		}
	case "next":
		err = c.sess.Next(ctx)
	case "abandon":
		if err = c.sess.Abandon(ctx); err == nil {
			fmt.Fprintln(c.out, "abandoned")
		}
		return err
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	if err != nil {
		return err
	}
	c.show()
	return nil
}

func kg(v decimal.NullDecimal) string {
	if !v.Valid {
		return "-"
	}
	return v.Decimal.String() + " kg"
}

func (c *console) show() {
	v := c.sess.View()
	if v.Finished {
		fmt.Fprintf(c.out, "order %s finished: %s\n", v.OrderID, v.OrderStatus)
		return
	}
	fmt.Fprintf(c.out, "order %s  step %s  seq %d\n", v.OrderID, v.Step, v.Seq)
	if spec, _ := execution.Spec(v.Step); spec.PerProduct {
		name := v.Entry.ProductID
		if v.Target != nil && v.Target.Name != "" {
			name = v.Target.Name
		}
		fmt.Fprintf(c.out, "  product %d/%d  %s\n", v.ProductIndex+1, v.ProductCount, name)
		if v.Target != nil {
			fmt.Fprintf(c.out, "  target rate %s kg\n", v.Target.RateKg)
		}
	}
	if v.Method != "" {
		fmt.Fprintf(c.out, "  method %s\n", v.Method)
	}
	switch v.Step {
	case execution.StepApplyingProduct:
		fmt.Fprintf(c.out, "  applied rate %s\n", kg(v.Entry.AppliedRateKg))
	case execution.StepPackingDetails:
		fmt.Fprintf(c.out, "  seeds to treat %s  packed %s  shortage %s\n",
			kg(v.SeedsToTreatKg), kg(v.PackedQuantityKg), kg(v.PackingShortageKg))
	case execution.StepConsumptionDetails:
		if v.Method == execution.MethodSlurry {
			break
		}
		fmt.Fprintf(c.out, "  product consumption %s\n", kg(v.Entry.ProductConsumptionPerLotKg))
	}
	if v.Capture {
		fmt.Fprintf(c.out, "  camera open %t\n", v.CameraOpen)
	}
	if v.Affirm != "" && !v.Affirmed {
		fmt.Fprintf(c.out, "  affirm %s\n", v.Affirm)
	}
	if v.GateErr != nil {
		fmt.Fprintf(c.out, "  waiting: %v\n", v.GateErr)
	}
}
