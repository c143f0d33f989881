package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/fraudproof/internal/domain"
)

const (
	rowsDefault      = 50
	fraudRateDefault = 0.5
)

var (
	genDomainFlag = &cli.StringFlag{
		Name:     "domain",
		Usage:    "Transaction domain to generate [bank, vehicle, ecommerce, ethereum]",
		Required: true,
	}

	rowsFlag = &cli.IntFlag{
		Name:  "rows",
		Usage: "Number of rows to write",
		Value: rowsDefault,
	}

	fraudRateFlag = &cli.FloatFlag{
		Name:  "fraud-rate",
		Usage: "Share of rows labelled as fraud (0..1)",
		Value: fraudRateDefault,
	}

	seedFlag = &cli.Uint64Flag{
		Name:  "seed",
		Usage: "Random seed; the same seed writes the same file",
		Value: 42,
	}

	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "Output path (defaults to stdout)",
	}

	generateCmd = &cli.Command{
		Name:   "generate",
		Usage:  "Write a synthetic labelled CSV that `fraudctl score` can replay",
		Action: cmdGenerate,
		Flags: []cli.Flag{
			genDomainFlag,
			rowsFlag,
			fraudRateFlag,
			seedFlag,
			outFlag,
		},
	}
)

type columnKind int

const (
	numeric columnKind = iota
	count
	flag
	category
)

// column describes one generated field. Fraud and legit rows start from
// their own base value and numeric kinds are jittered by up to spread.
type column struct {
	name   string
	kind   columnKind
	fraud  float64
	legit  float64
	spread float64
	values []string
}

// profiles mirror the feature columns of the shipped models.
var profiles = map[domain.TransactionDomain][]column{
	domain.DomainBank: {
		{name: "account_age_days", kind: count, fraud: 2, legit: 900, spread: 0.4},
		{name: "transaction_amount", kind: numeric, fraud: 4500, legit: 60, spread: 0.4},
		{name: "transaction_frequency", kind: count, fraud: 9, legit: 1, spread: 0.4},
		{name: "average_daily_balance", kind: numeric, fraud: 80, legit: 6000, spread: 0.4},
	},
	domain.DomainVehicle: {
		{name: "months_as_customer", kind: count, fraud: 3, legit: 120, spread: 0.3},
		{name: "age", kind: count, fraud: 35, legit: 45, spread: 0.3},
		{name: "policy_annual_premium", kind: numeric, fraud: 2400, legit: 900, spread: 0.3},
		{name: "number_of_vehicles", kind: count, fraud: 2, legit: 1, spread: 0.3},
	},
	domain.DomainEcommerce: {
		{name: "purchase_amount", kind: numeric, fraud: 3500, legit: 120, spread: 0.3},
		{name: "device_type", kind: category, values: []string{"mobile", "desktop", "tablet"}},
		{name: "shipping_address_matches_billing", kind: flag, fraud: 0, legit: 1},
		{name: "customer_age", kind: count, fraud: 30, legit: 40, spread: 0.3},
	},
	domain.DomainEthereum: {
		{name: "transaction_value_eth", kind: numeric, fraud: 40, legit: 0.5, spread: 0.4},
		{name: "gas_price", kind: numeric, fraud: 150, legit: 30, spread: 0.4},
		{name: "contract_interaction", kind: flag, fraud: 1, legit: 0},
		{name: "sender_transaction_count", kind: count, fraud: 3, legit: 400, spread: 0.4},
	},
}

func cmdGenerate(_ context.Context, cmd *cli.Command) error {
	d, err := domain.ParseDomain(cmd.String(genDomainFlag.Name))
	if err != nil {
		return err
	}

	rate := cmd.Float(fraudRateFlag.Name)
	if rate < 0 || rate > 1 {
		return fmt.Errorf("fraud-rate %v out of range [0, 1]", rate)
	}

	out := io.Writer(os.Stdout)
	if path := cmd.String(outFlag.Name); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	n := cmd.Int(rowsFlag.Name)
	if err := generate(out, d, n, rate, cmd.Uint64(seedFlag.Name)); err != nil {
		return err
	}
	slog.Info("generated labelled rows", "domain", d, "rows", n, "fraud_rate", rate)
	return nil
}

// generate writes rows records plus a header. The first round(rows*rate)
// records are fraud; the label column is labelColumnDefault.
func generate(w io.Writer, d domain.TransactionDomain, rows int, rate float64, seed uint64) error {
	cols, ok := profiles[d]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownDomain, d)
	}
	if rows < 0 {
		return fmt.Errorf("rows must not be negative, got %d", rows)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	cw := csv.NewWriter(w)

	header := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		header = append(header, c.name)
	}
	if err := cw.Write(append(header, labelColumnDefault)); err != nil {
		return err
	}

	frauds := int(math.Round(float64(rows) * rate))
	record := make([]string, len(cols)+1)
	for i := 0; i < rows; i++ {
		fraud := i < frauds
		for j, c := range cols {
			record[j] = c.sample(rng, fraud)
		}
		record[len(cols)] = "0"
		if fraud {
			record[len(cols)] = "1"
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func (c column) sample(rng *rand.Rand, fraud bool) string {
	base := c.legit
	if fraud {
		base = c.fraud
	}

	switch c.kind {
	case category:
		return c.values[rng.IntN(len(c.values))]
	case flag:
		return strconv.FormatFloat(base, 'f', 0, 64)
	}

	v := base * (1 + (rng.Float64()*2-1)*c.spread)
	if c.kind == count {
		return strconv.FormatFloat(math.Max(1, math.Round(v)), 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
