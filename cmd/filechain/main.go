// Command filechain runs a peer-to-peer content-addressed file store node,
// or talks to one as a client.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/infinityofspace/filechain/cmd/filechain/internal/chunker"
	"github.com/infinityofspace/filechain/pkg/config"
	"github.com/infinityofspace/filechain/pkg/peer"
	"github.com/infinityofspace/filechain/pkg/wire"
)

func main() {
	app := &cli.App{
		Name:  "filechain",
		Usage: "peer-to-peer content-addressed file store",
		Commands: []*cli.Command{
			serverCommand(),
			clientCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "start a filechain node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a JSON config file"},
			&cli.StringFlag{Name: "host"},
			&cli.IntFlag{Name: "port"},
			&cli.StringFlag{Name: "join-host", Usage: "address of an existing node to join through"},
			&cli.IntFlag{Name: "join-port"},
			&cli.IntFlag{Name: "max-connections"},
			&cli.StringFlag{Name: "log-level"},
		},
		Action: runServer,
	}
}

func runServer(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("join-host") {
		cfg.JoinHost = c.String("join-host")
	}
	if c.IsSet("join-port") {
		cfg.JoinPort = c.Int("join-port")
	}
	if c.IsSet("max-connections") {
		cfg.MaxConnections = c.Int("max-connections")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}

	config.SetupLogger(cfg.LogLevel)

	addr := wire.Addr{Host: cfg.Host, Port: cfg.Port}
	log := config.NodeLogger(addr.String())

	node := peer.NewNode(addr, cfg.MaxConnections, log)

	var join *wire.Addr
	if cfg.JoinHost != "" {
		j := wire.Addr{Host: cfg.JoinHost, Port: cfg.JoinPort}
		join = &j
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	return node.Start(ctx, join)
}

func clientCommand() *cli.Command {
	addrFlags := []cli.Flag{
		&cli.StringFlag{Name: "host", Required: true},
		&cli.IntFlag{Name: "port", Required: true},
	}

	return &cli.Command{
		Name:  "client",
		Usage: "talk to a running filechain node",
		Subcommands: []*cli.Command{
			{
				Name:      "send",
				Usage:     "split a file into blocks and insert them into the chain",
				ArgsUsage: "<path>",
				Flags:     addrFlags,
				Action:    runSend,
			},
			{
				Name:      "get",
				Usage:     "fetch a complete file by its hash and write it to a local path",
				ArgsUsage: "<file_hash_hex> <path>",
				Flags:     addrFlags,
				Action:    runGet,
			},
			{
				Name:      "check",
				Usage:     "check whether a node already has a complete copy of a file",
				ArgsUsage: "<path>",
				Flags:     addrFlags,
				Action:    runCheck,
			},
		},
	}
}

func clientAddr(c *cli.Context) wire.Addr {
	return wire.Addr{Host: c.String("host"), Port: c.Int("port")}
}

func runSend(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: filechain client send --host H --port P <path>")
	}

	fileHash, blocks, err := chunker.ReadFile(c.Args().Get(0))
	if err != nil {
		return err
	}

	client := peer.NewClient(30 * time.Second)
	if err := client.InsertBlocks(c.Context, clientAddr(c), blocks); err != nil {
		return err
	}

	fmt.Printf("sha256 hash: %s\n", fileHash)
	fmt.Println("file was successfully sent to the node")
	return nil
}

func runCheck(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: filechain client check --host H --port P <path>")
	}

	fileHash, _, err := chunker.ReadFile(c.Args().Get(0))
	if err != nil {
		return err
	}

	client := peer.NewClient(10 * time.Second)
	ok, err := client.ContainsFile(c.Context, clientAddr(c), fileHash)
	if err != nil {
		return err
	}

	fmt.Printf("sha256 hash: %s\n", fileHash)
	fmt.Printf("file in filechain: %t\n", ok)
	return nil
}

func runGet(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: filechain client get --host H --port P <file_hash_hex> <path>")
	}

	fileHash := []byte(c.Args().Get(0))
	outPath := c.Args().Get(1)

	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("the output file %s already exists", outPath)
	}

	client := peer.NewClient(30 * time.Second)
	blocks, err := client.GetFile(c.Context, clientAddr(c), fileHash)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		fmt.Println("ERROR: the file is not in the filechain")
		return nil
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	for _, b := range blocks {
		if _, err := out.Write(b.Chunk()); err != nil {
			return err
		}
	}

	fmt.Println("file successfully received")
	return nil
}
