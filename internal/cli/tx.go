package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/runtime"
)

// gatewayTimeout bounds one remote submission.
const gatewayTimeout = 30 * time.Second

// TxOptions holds the flags shared by every command that submits a
// transaction.
type TxOptions struct {
	*RootOptions
	Gateway string
}

func (o *TxOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Gateway, "gateway", "", "submit to a running gateway (http://host:port) instead of the local database")
}

// txRequest is one instruction to sign and submit.
type txRequest struct {
	Instruction string
	Args        any
	Accounts    runtime.Accounts
	// Signers beyond the payer.
	Signers []*ledger.Keypair
}

// submit signs req with the configured keypair and applies it. A receipt
// that is not ok is reported and exits with ExitFailure.
func (o *TxOptions) submit(cmd *cobra.Command, req txRequest) (runtime.Receipt, error) {
	kp, err := loadKeypair(o.Config.Keypair)
	if err != nil {
		return runtime.Receipt{}, err
	}
	tx, err := runtime.NewTransaction(kp.Pubkey(), req.Instruction, req.Args, req.Accounts)
	if err != nil {
		return runtime.Receipt{}, WrapExitError(ExitCommandError, "failed to build transaction", err)
	}
	if err := tx.Sign(append([]*ledger.Keypair{kp}, req.Signers...)...); err != nil {
		return runtime.Receipt{}, WrapExitError(ExitCommandError, "failed to sign transaction", err)
	}

	ctx := commandContext(cmd)
	f := o.formatter(cmd)
	var receipt runtime.Receipt
	if o.Gateway != "" {
		f.VerboseLog("posting %s to %s", req.Instruction, o.Gateway)
		receipt, err = postTransaction(ctx, o.Gateway, tx)
	} else {
		f.VerboseLog("applying %s to %s", req.Instruction, o.Config.DBPath)
		receipt, err = o.applyLocal(ctx, cmd, tx)
	}
	if err != nil {
		return runtime.Receipt{}, err
	}

	if !receipt.OK() {
		message := fmt.Sprintf("%s %s: %s", req.Instruction, receipt.Status, receipt.Error.Message)
		if err := f.ForTx(receipt.TxID).Error(receipt.Code(), message, receipt); err != nil {
			return receipt, err
		}
		return receipt, NewExitError(ExitFailure, fmt.Sprintf("%s %s: %s", req.Instruction, receipt.Status, receipt.Code()))
	}
	return receipt, nil
}

// submitAndRender submits req and renders the receipt, listing its events
// in text mode.
func (o *TxOptions) submitAndRender(cmd *cobra.Command, req txRequest) error {
	receipt, err := o.submit(cmd, req)
	if err != nil {
		return err
	}
	return o.formatter(cmd).ForTx(receipt.TxID).Render(receipt, func(w io.Writer) {
		printReceipt(w, receipt)
	})
}

// printReceipt writes the one-line summary of a committed receipt and its
// events.
func printReceipt(w io.Writer, r runtime.Receipt) {
	fmt.Fprintf(w, "%s ok (seq %d, tx %s)\n", r.Instruction, r.Seq, r.TxID)
	for _, ev := range r.Events {
		fmt.Fprintf(w, "  %s %s\n", ev.Name, ev.Payload)
	}
}

func (o *TxOptions) applyLocal(ctx context.Context, cmd *cobra.Command, tx *runtime.Transaction) (runtime.Receipt, error) {
	if err := requireFile(o.Config.DBPath); err != nil {
		return runtime.Receipt{}, err
	}
	n, err := openNode(ctx, o.Config, newLogger(o.Config, cmd.ErrOrStderr()))
	if err != nil {
		return runtime.Receipt{}, WrapExitError(ExitCommandError, "failed to open node", err)
	}
	defer n.Close()

	receipt, err := n.runtime.Apply(ctx, tx)
	if err != nil {
		return runtime.Receipt{}, WrapExitError(ExitCommandError, "failed to apply transaction", err)
	}
	return receipt, nil
}

// postTransaction submits tx to a gateway's /v1/transactions.
func postTransaction(ctx context.Context, gateway string, tx *runtime.Transaction) (runtime.Receipt, error) {
	body, err := tx.Encode()
	if err != nil {
		return runtime.Receipt{}, WrapExitError(ExitCommandError, "failed to encode transaction", err)
	}
	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	url := strings.TrimRight(gateway, "/") + "/v1/transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return runtime.Receipt{}, WrapExitError(ExitCommandError, "invalid gateway", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return runtime.Receipt{}, WrapExitError(ExitCommandError, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return runtime.Receipt{}, WrapExitError(ExitCommandError, "failed to read gateway response", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
		return runtime.Receipt{}, NewExitError(ExitCommandError,
			fmt.Sprintf("gateway answered %s: %s", resp.Status, strings.TrimSpace(string(data))))
	}
	var receipt runtime.Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return runtime.Receipt{}, WrapExitError(ExitCommandError, "invalid gateway response", err)
	}
	return receipt, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withNode opens the configured database for a read-only command.
func (o *RootOptions) withNode(cmd *cobra.Command, fn func(ctx context.Context, n *node) error) error {
	if err := requireFile(o.Config.DBPath); err != nil {
		return err
	}
	ctx := commandContext(cmd)
	n, err := openNode(ctx, o.Config, newLogger(o.Config, cmd.ErrOrStderr()))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open node", err)
	}
	defer n.Close()
	return fn(ctx, n)
}
