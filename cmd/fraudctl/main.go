// Command fraudctl is the FraudProof operator CLI.
//
// Usage:
//
//	fraudctl generate --domain bank --rows 200 --out bank.csv
//	fraudctl score --csv bank.csv --domain bank --label is_fraud
//	fraudctl models
//	fraudctl chain read 0x5c50...
//	fraudctl migrate status
//
// Configuration comes from the same environment (and optional .env) as the
// server; flags override the handful of values each command needs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/fraudproof/internal/config"
	"github.com/opensource-finance/fraudproof/internal/domain"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// Version information (set via ldflags)
var (
	Version = "dev"
	Commit  = "none"

	outputFormat = formatJSON

	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs",
	}

	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Output format [json, yaml]",
		Value: formatJSON,
	}
)

func main() {
	initLogging(false)

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:            "fraudctl",
		Version:         fmt.Sprintf("%s (%s)", Version, Commit),
		Usage:           "Operate FraudProof models, anchors and storage",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			debugFlag,
			formatFlag,
		},
		Commands: []*cli.Command{
			scoreCmd,
			generateCmd,
			modelsCmd,
			chainCmd,
			migrateCmd,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool(debugFlag.Name) {
				initLogging(true)
			}

			f, err := parseFormat(cmd.String(formatFlag.Name))
			if err != nil {
				return ctx, err
			}
			outputFormat = f
			return ctx, nil
		},
	}
}

func initLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(config.NewLogger(domain.LoggingConfig{
		Level:  level.String(),
		Format: "text",
	}, os.Stderr))
}

func parseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", formatJSON:
		return formatJSON, nil
	case formatYAML, "yml":
		return formatYAML, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want json or yaml)", s)
	}
}

// loadConfig reads the same environment as the server; flags applied
// afterwards are not re-validated.
func loadConfig() (*domain.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func encode(w io.Writer, v any) error {
	if outputFormat == formatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}
