package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/fetch"
	"github.com/loqalabs/loqa-speech/internal/modelstore"
)

var version = "0.1.0-dev"

const usage = "expected 'list', 'probe', 'download', 'delete', 'purge' or 'version'"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	if cmd == "version" {
		fmt.Fprintln(stdout, version)
		return 0
	}

	var configPath string
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := modelstore.New(cfg.Models.Root, log)

	switch cmd {
	case "list":
		err = runList(store, stdout)
	case "probe":
		err = withKey(fs, func(key string) error { return runProbe(store, key, stdout) })
	case "download":
		err = withKey(fs, func(key string) error { return runDownload(ctx, cfg, store, key, stdout, log) })
	case "delete":
		err = withKey(fs, store.Delete)
	case "purge":
		err = store.PurgeAll()
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		var unknown *modelstore.UnknownModelError
		if errors.As(err, &unknown) {
			return 2
		}
		return 1
	}
	return 0
}

func withKey(fs *flag.FlagSet, fn func(key string) error) error {
	if fs.NArg() != 1 {
		return fmt.Errorf("%s expects exactly one model key", fs.Name())
	}
	return fn(fs.Arg(0))
}

func runList(store *modelstore.Store, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tLANGUAGE\tSTATE\tSIZE\tNAME")
	for _, desc := range store.Catalog() {
		inst, err := store.Probe(desc.Key)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dMB\t%s\n", desc.Key, desc.Language, inst.State, desc.ExpectedSizeBytes/(1024*1024), desc.DisplayName)
	}
	return tw.Flush()
}

func runProbe(store *modelstore.Store, key string, out io.Writer) error {
	inst, err := store.Probe(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s %s\n", inst.Descriptor.Key, inst.State, inst.LocalPath)
	return nil
}

func runDownload(ctx context.Context, cfg config.Config, store *modelstore.Store, key string, out io.Writer, log *slog.Logger) error {
	if err := store.EnsureRoot(); err != nil {
		return err
	}
	fetcher := fetch.New(store, fetch.WithLogger(log), fetch.WithUserAgent(cfg.Models.UserAgent))
	last := -100
	err := fetcher.Download(ctx, key, func(p fetch.Progress) {
		if pct := int(p.Fraction * 100); pct >= last+10 || (pct == 100 && last < 100) {
			last = pct
			fmt.Fprintf(out, "%s %3d%%\n", key, pct)
		}
	})
	if err != nil {
		return err
	}
	path, err := store.Path(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "installed %s at %s\n", key, path)
	return nil
}
