package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojoidx/core/security/encryption/internaltls"
	"github.com/sushant-115/gojoidx/pkg/connection"
)

const clientTimeout = 10 * time.Second

// processCommand handles a single command, either from args or interactive mode.
// It returns false when the session should end.
func processCommand(c *connection.Client, args []string) bool {
	if len(args) == 0 {
		fmt.Println("Error: No command provided.")
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	var err error
	switch command := strings.ToLower(args[0]); command {
	case "put":
		if len(args) < 3 {
			fmt.Println("Error: put command requires a key and a value.")
			return true
		}
		if err = c.Put(ctx, args[1], strings.Join(args[2:], " ")); err == nil {
			fmt.Println("OK")
		}
	case "get":
		if len(args) != 2 {
			fmt.Println("Error: get command requires a key.")
			return true
		}
		var value string
		var found bool
		if value, found, err = c.Get(ctx, args[1]); err == nil {
			if found {
				fmt.Println(value)
			} else {
				fmt.Println("(not found)")
			}
		}
	case "delete":
		if len(args) != 2 {
			fmt.Println("Error: delete command requires a key.")
			return true
		}
		var removed bool
		if removed, err = c.Delete(ctx, args[1]); err == nil {
			fmt.Printf("deleted=%v\n", removed)
		}
	case "range":
		if len(args) < 3 {
			fmt.Println("Error: range command requires <start|-> <end|-> [limit].")
			return true
		}
		limit := 0
		if len(args) > 3 {
			if limit, err = strconv.Atoi(args[3]); err != nil {
				fmt.Println("Error: limit must be a number.")
				return true
			}
		}
		var kvs []connection.KV
		if kvs, err = c.Range(ctx, openBound(args[1]), openBound(args[2]), limit); err == nil {
			for _, kv := range kvs {
				fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
			}
			fmt.Printf("(%d items)\n", len(kvs))
		}
	case "size":
		var n int
		if n, err = c.Size(ctx); err == nil {
			fmt.Println(n)
		}
	case "stats":
		var doc string
		if doc, err = c.Stats(ctx); err == nil {
			fmt.Println(doc)
		}
	case "snapshot":
		if len(args) != 2 {
			fmt.Println("Error: snapshot command requires a file name.")
			return true
		}
		var msg string
		if msg, err = c.Snapshot(ctx, args[1]); err == nil {
			fmt.Println(msg)
		}
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  put <key> <value>")
		fmt.Println("  get <key>")
		fmt.Println("  delete <key>")
		fmt.Println("  range <start|-> <end|-> [limit]")
		fmt.Println("  size")
		fmt.Println("  stats")
		fmt.Println("  snapshot <name in the server snapshot dir>")
		fmt.Println("  help")
		fmt.Println("  exit / quit")
	case "exit", "quit":
		return false
	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
	}
	return true
}

func openBound(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func interactive(c *connection.Client, addr string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojoidx> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("put"),
			readline.PcItem("get"),
			readline.PcItem("delete"),
			readline.PcItem("range"),
			readline.PcItem("size"),
			readline.PcItem("stats"),
			readline.PcItem("snapshot"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Printf("gojoidx CLI connected to %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", addr)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !processCommand(c, strings.Fields(line)) {
			return nil
		}
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.gojoidx_history"
}

func main() {
	addr := flag.String("addr", "localhost:9090", "server address")
	caFile := flag.String("tls-ca", "", "CA certificate; enables mutual TLS with -tls-cert and -tls-key")
	certFile := flag.String("tls-cert", "", "client certificate")
	keyFile := flag.String("tls-key", "", "client key")
	flag.Parse()

	var opts []connection.Option
	if *caFile != "" {
		tlsCfg, err := internaltls.LoadClientConfig(*caFile, *certFile, *keyFile, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, connection.WithTLS(tlsCfg))
	}
	c := connection.NewClient(*addr, 1, clientTimeout, opts...)
	defer c.Close()

	if args := flag.Args(); len(args) > 0 {
		processCommand(c, args)
		return
	}
	if err := interactive(c, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
