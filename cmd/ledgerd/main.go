// Command ledgerd serves the wallet ledger and marketplace API.
//
// Usage:
//
//	ledgerd serve   [-env .env]
//	ledgerd migrate [-env .env] up|down
//	ledgerd token   [-env .env] -account ID [-address 0x..] [-ttl 24h]
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command; expected serve, migrate or token")
	}

	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	envFile := fs.String("env", ".env", "optional dotenv file")

	switch cmd {
	case "serve":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return serve(*envFile)
	case "migrate":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("migrate expects up or down")
		}
		return migrate(*envFile, fs.Arg(0))
	case "token":
		account := fs.String("account", "", "account id claim")
		address := fs.String("address", "", "public address claim")
		ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return issueToken(*envFile, *account, *address, *ttl, stdout)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
