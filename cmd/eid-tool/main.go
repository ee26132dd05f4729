package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cortex-x/go-eid-card-service/cmd/eid-tool/cli"
)

type app struct {
	cli.Cli

	Status    cli.StatusCmd    `cmd:"" help:"print card data and retry counters"`
	Container cli.ContainerCmd `cmd:"" help:"signed container commands"`
	Sign      cli.SignCmd      `cmd:"" help:"sign a container"`
	Encrypt   cli.EncryptCmd   `cmd:"" help:"encrypt files for recipients"`
	Decrypt   cli.DecryptCmd   `cmd:"" help:"decrypt with the card"`
	Pin       cli.PinCmd       `cmd:"" help:"PIN and PUK commands"`
	Config    cli.ConfigCmd    `cmd:"" help:"central configuration commands"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("eid-tool"),
		kong.Description("CLI tool for eID cards"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
