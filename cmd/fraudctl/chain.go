package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/fraudproof/internal/chain"
)

var (
	rpcURLFlag = &cli.StringFlag{
		Name:  "rpc-url",
		Usage: "JSON-RPC endpoint (defaults to RPC_URL)",
	}

	contractFlag = &cli.StringFlag{
		Name:  "contract",
		Usage: "Anchoring contract address (defaults to CONTRACT_ADDRESS)",
	}

	chainCmd = &cli.Command{
		Name:  "chain",
		Usage: "Ledger operations",
		Commands: []*cli.Command{
			{
				Name:      "read",
				Usage:     "Read the fraud score anchored by a transaction",
				ArgsUsage: "<txHash>",
				Action:    cmdChainRead,
				Flags: []cli.Flag{
					rpcURLFlag,
					contractFlag,
				},
			},
		},
	}
)

func cmdChainRead(ctx context.Context, cmd *cli.Command) error {
	txHash := cmd.Args().First()
	if txHash == "" {
		return errors.New("transaction hash argument is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if v := cmd.String(rpcURLFlag.Name); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := cmd.String(contractFlag.Name); v != "" {
		cfg.Chain.ContractAddress = v
	}
	if cfg.Chain.RPCURL == "" {
		return errors.New("no RPC endpoint: set RPC_URL or --rpc-url")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := chain.Dial(dialCtx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer client.Close()

	reader, err := chain.NewReader(client, cfg.Chain.ContractAddress)
	if err != nil {
		return err
	}

	ev, err := reader.Read(ctx, txHash)
	if err != nil {
		return fmt.Errorf("reading %s: %w", txHash, err)
	}
	return encode(os.Stdout, ev)
}
