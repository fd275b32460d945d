// Command segmentdb is a CLI front end for the embedded segmentdb
// storage engine: point reads/writes against a data directory, forced
// compaction, and an operational stats dump.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/segmentdb/segmentdb"
)

func main() {
	app := &cli.Command{
		Name:  "segmentdb",
		Usage: "inspect and drive an embedded segmentdb data directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "data-dir",
				Aliases:  []string{"d"},
				Usage:    "path to the segmentdb data directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a segmentdb.toml config file",
			},
		},
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			deleteCommand(),
			compactCommand(),
			statCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "segmentdb:", err)
		os.Exit(1)
	}
}

func openEngine(cmd *cli.Command) (*segmentdb.Engine, error) {
	dataDir := cmd.String("data-dir")
	if configPath := cmd.String("config"); configPath != "" {
		opts, err := segmentdb.FromConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		return segmentdb.Open(dataDir, opts)
	}
	return segmentdb.Open(dataDir, segmentdb.NewOptions())
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "write a key/value pair",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("put requires exactly <key> <value>")
			}
			e, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			key, value := cmd.Args().Get(0), cmd.Args().Get(1)
			if err := e.Put([]byte(key), []byte(value)); err != nil {
				return err
			}
			fmt.Printf("put %q\n", key)
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "read a key's value",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("get requires exactly <key>")
			}
			e, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			key := cmd.Args().Get(0)
			value, ok, err := e.Get([]byte(key))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "tombstone a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("delete requires exactly <key>")
			}
			e, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			key := cmd.Args().Get(0)
			if err := e.Delete([]byte(key)); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", key)
			return nil
		},
	}
}

func compactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "run one compaction round",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "level",
				Usage: "source level to compact; if omitted, the size-tiered heuristic decides",
				Value: -1,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			level := cmd.Int("level")
			if level < 0 {
				if err := e.MaybeCompact(); err != nil {
					return err
				}
				fmt.Println("compaction pass complete (heuristic-driven)")
				return nil
			}
			if err := e.CompactLevel(uint8(level)); err != nil {
				return err
			}
			fmt.Printf("compaction pass complete (level %d)\n", level)
			return nil
		},
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:  "stat",
		Usage: "print the engine's operational metrics as JSON",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			snap := e.Stats()
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
