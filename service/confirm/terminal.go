package confirm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/brojonat/contractgate/service/ledger"
	"github.com/brojonat/contractgate/service/mediator"
)

// Terminal is a Gate that asks on a text stream, for CLI use.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer

	// AutoConfirm approves every write after printing it.
	AutoConfirm bool

	mu sync.Mutex
}

// NewTerminal creates a terminal gate reading answers from in and printing
// to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

// Present implements mediator.Gate. The prompt runs on its own goroutine.
func (t *Terminal) Present(ctx context.Context, d mediator.CallDescriptor, confirm func(), reject func(reason string)) {
	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		t.describe(d)
		if t.AutoConfirm {
			fmt.Fprintln(t.out, "Auto-confirmed.")
			confirm()
			return
		}

		fmt.Fprint(t.out, "Sign and submit this transaction? [y/N]: ")
		line, err := t.in.ReadString('\n')
		if ctx.Err() != nil {
			return
		}
		if err != nil && line == "" {
			reject("no answer: " + err.Error())
			return
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			confirm()
		default:
			reject("declined at terminal")
		}
	}()
}

// Dismiss implements mediator.Gate.
func (t *Terminal) Dismiss(id string) {
	fmt.Fprintf(t.out, "\nConfirmation %s withdrawn.\n", id)
}

func (t *Terminal) describe(d mediator.CallDescriptor) {
	fmt.Fprintln(t.out, "Pending contract write")
	fmt.Fprintf(t.out, "  request:   %s\n", d.ID)
	fmt.Fprintf(t.out, "  contract:  %s (%s)\n", d.ContractName, d.ContractAddress)
	fmt.Fprintf(t.out, "  function:  %s\n", d.FunctionName)
	if len(d.Args) > 0 {
		args := make([]string, len(d.Args))
		for i, a := range d.Args {
			args[i] = fmt.Sprint(a)
		}
		fmt.Fprintf(t.out, "  args:      %s\n", strings.Join(args, ", "))
	}
	fmt.Fprintf(t.out, "  from:      %s\n", d.From)
	fmt.Fprintf(t.out, "  value:     %s ETH\n", ledger.FormatEther(d.Value))
	fmt.Fprintf(t.out, "  gas limit: %d\n", d.GasLimit)
}
