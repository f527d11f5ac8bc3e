// Command rendezctl pokes a running rendez daemon from the shell.
//
// Usage:
//
//	rendezctl [-addr host:port] [-timeout d] <command> [args]
//
// Commands:
//
//	set <key> <value>      store a value
//	get <key>              wait for a key and print its value
//	add <key> <delta>      add to a numeric key, print the total
//	check <key>...         print READY or NOT_READY
//	wait <key>...          block until every key exists
//	delete <key>           remove a key
//	numkeys                print the store size
//	watch <key>...         stream updates to the given keys
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/dreamware/rendez/internal/store"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:29500", "daemon address (host:port)")
	timeout := flag.Duration("timeout", 30*time.Second, "wait/connect timeout")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	host, portStr, err := net.SplitHostPort(*addr)
	if err != nil {
		fatalf("bad -addr %q: %v", *addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		fatalf("bad -addr %q: %v", *addr, err)
	}

	s, err := store.New(store.Config{
		Addr:    host,
		Port:    port,
		Timeout: *timeout,
	})
	if err != nil {
		fatalf("%v", err)
	}
	defer s.Close()

	if err := runCommand(s, flag.Arg(0), flag.Args()[1:]); err != nil {
		fatalf("%s: %v", flag.Arg(0), err)
	}
}

func runCommand(s *store.Store, cmd string, args []string) error {
	switch cmd {
	case "set":
		if len(args) != 2 {
			usage()
		}
		return s.Set(args[0], []byte(args[1]))
	case "get":
		if len(args) != 1 {
			usage()
		}
		v, err := s.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", v)
		return nil
	case "add":
		if len(args) != 2 {
			usage()
		}
		delta, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		total, err := s.Add(args[0], delta)
		if err != nil {
			return err
		}
		fmt.Println(total)
		return nil
	case "check":
		if len(args) == 0 {
			usage()
		}
		ready, err := s.Check(args)
		if err != nil {
			return err
		}
		if ready {
			fmt.Println("READY")
		} else {
			fmt.Println("NOT_READY")
		}
		return nil
	case "wait":
		if len(args) == 0 {
			usage()
		}
		return s.Wait(args)
	case "delete":
		if len(args) != 1 {
			usage()
		}
		existed, err := s.Delete(args[0])
		if err != nil {
			return err
		}
		if !existed {
			fmt.Println("not found")
		}
		return nil
	case "numkeys":
		n, err := s.NumKeys()
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	case "watch":
		if len(args) == 0 {
			usage()
		}
		return watchKeys(s, args)
	}
	usage()
	return nil
}

// watchKeys streams updates for the given keys until interrupted.
func watchKeys(s *store.Store, keys []string) error {
	keyColor := color.New(color.FgCyan).SprintFunc()
	oldColor := color.New(color.Faint).SprintFunc()
	newColor := color.New(color.FgGreen).SprintFunc()

	for _, key := range keys {
		key := key
		err := s.Watch(key, func(old, value []byte) {
			fmt.Printf("%s: %s -> %s\n",
				keyColor(key), oldColor(formatValue(old)), newColor(formatValue(value)))
		})
		if err != nil {
			return err
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	return nil
}

// formatValue renders a value for the terminal, quoting it so empty and
// binary values stay visible.
func formatValue(v []byte) string {
	if len(v) == 0 {
		return `""`
	}
	return strconv.Quote(string(v))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: rendezctl [-addr host:port] [-timeout d] <command> [args]

commands:
  set <key> <value>
  get <key>
  add <key> <delta>
  check <key>...
  wait <key>...
  delete <key>
  numkeys
  watch <key>...
`)
	os.Exit(2)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "rendezctl: "+format+"\n", args...)
	os.Exit(1)
}
