package cli

import (
	"fmt"
	"os"

	"github.com/cortex-x/go-eid-card-service/internal/domain"
)

// StatusCmd prints the card data
type StatusCmd struct{}

// Run the command
func (a *StatusCmd) Run(ctx *Cli) error {
	token, release, err := ctx.Token()
	if err != nil {
		return err
	}
	defer release()

	data, err := ctx.Cards().Snapshot(ctx.Context(), token)
	if err != nil {
		return err
	}
	return ctx.WriteJSON(data)
}

// DecryptCmd decrypts an encrypted container with the authentication key
type DecryptCmd struct {
	In   string `kong:"arg" required:"" help:"encrypted container file" type:"existingfile"`
	Out  string `help:"output folder" default:"."`
	Pin1 string `required:"" env:"EID_PIN1" help:"PIN1 of the card"`
}

// Run the command
func (a *DecryptCmd) Run(ctx *Cli) error {
	token, release, err := ctx.Token()
	if err != nil {
		return err
	}
	defer release()

	f, err := os.Open(a.In)
	if err != nil {
		return err
	}
	defer f.Close()

	files, err := ctx.Cards().Decrypt(ctx.Context(), token, f, a.Pin1, a.Out)
	if err != nil {
		return err
	}
	for _, name := range files {
		fmt.Fprintln(ctx.Writer(), name)
	}
	return nil
}

// PinCmd manages card codes
type PinCmd struct {
	Change  PinChangeCmd  `cmd:"" help:"change PIN1, PIN2 or PUK"`
	Unblock PinUnblockCmd `cmd:"" help:"unblock PIN1 or PIN2 with PUK"`
}

// PinChangeCmd changes a code
type PinChangeCmd struct {
	Code    domain.CodeType `required:"" help:"code to change: PIN1, PIN2 or PUK"`
	Current string          `required:"" env:"EID_CURRENT_CODE" help:"current code"`
	New     string          `required:"" env:"EID_NEW_CODE" help:"new code"`
}

// Run the command
func (a *PinChangeCmd) Run(ctx *Cli) error {
	token, release, err := ctx.Token()
	if err != nil {
		return err
	}
	defer release()

	data, err := ctx.Cards().EditPin(ctx.Context(), token, a.Code, a.Current, a.New)
	if err != nil {
		return err
	}
	return ctx.WriteJSON(countersOf(data))
}

// PinUnblockCmd unblocks a code
type PinUnblockCmd struct {
	Code domain.CodeType `required:"" help:"code to unblock: PIN1 or PIN2"`
	Puk  string          `required:"" env:"EID_PUK" help:"PUK of the card"`
	New  string          `required:"" env:"EID_NEW_CODE" help:"new code"`
}

// Run the command
func (a *PinUnblockCmd) Run(ctx *Cli) error {
	token, release, err := ctx.Token()
	if err != nil {
		return err
	}
	defer release()

	data, err := ctx.Cards().UnblockPin(ctx.Context(), token, a.Code, a.Puk, a.New)
	if err != nil {
		return err
	}
	return ctx.WriteJSON(countersOf(data))
}

type retryCounters struct {
	PIN1 int `json:"pin1"`
	PIN2 int `json:"pin2"`
	PUK  int `json:"puk"`
}

func countersOf(data *domain.CardDataSnapshot) retryCounters {
	return retryCounters{
		PIN1: data.PIN1RetryCounter,
		PIN2: data.PIN2RetryCounter,
		PUK:  data.PUKRetryCounter,
	}
}
