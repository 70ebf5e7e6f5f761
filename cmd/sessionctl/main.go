// Command sessionctl inspects and purges the shared session table.
//
//	sessionctl [--config file] list [--limit N] [--offset N]
//	sessionctl [--config file] delete <id>... | --all
//	sessionctl [--config file] gc [--max-lifetime seconds]
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"

	"github.com/Morditux/sharedsession"
	"github.com/Morditux/sharedsession/internal/config"
	"github.com/Morditux/sharedsession/internal/logging"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "sessionctl:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: sessionctl [--config file] list|delete|gc [flags]")

func run(ctx context.Context, args []string, out io.Writer) error {
	global := pflag.NewFlagSet("sessionctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.String("config", "", "path to the YAML configuration file")
	dsn := global.String("dsn", "", "database DSN, overrides the configuration")
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		return errUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	cfg.Enabled = true

	log, err := logging.New(logging.Config{Level: "warn"})
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := sharedsession.OpenStore(ctx, cfg.StoreConfig(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "list":
		return list(ctx, store, cmdArgs, out)
	case "delete":
		return remove(ctx, store, cmdArgs, out)
	case "gc":
		sessions := sharedsession.NewSessions(store, sharedsession.WithLogger(log))
		return gc(ctx, sessions, cfg.MaxLifetime, cmdArgs, out)
	default:
		return errors.Wrapf(errUsage, "unknown command %q", cmd)
	}
}

func list(ctx context.Context, store sharedsession.RecordStore, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum number of sessions to show, 0 for all")
	offset := fs.Int("offset", 0, "number of sessions to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}

	recs, err := store.List(ctx, sharedsession.ListOptions{Limit: *limit, Offset: *offset})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tCHANNEL\tIP\tLAST WRITE\tBYTES")
	for _, r := range recs {
		ch := sharedsession.Plain
		if r.SecureSessionID != "" {
			ch = sharedsession.Secure
		}
		last := "-"
		if !r.Datetime.IsZero() {
			last = r.Datetime.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%d\n", r.ID, r.UserID, ch, r.IPAddress, last, len(r.Data))
	}
	return tw.Flush()
}

func remove(ctx context.Context, store sharedsession.RecordStore, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("delete", pflag.ContinueOnError)
	all := fs.Bool("all", false, "delete every session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *all {
		n, err := store.DeleteAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %d sessions\n", n)
		return nil
	}
	if fs.NArg() == 0 {
		return errors.New("delete: give session ids or --all")
	}

	ids := make([]int64, 0, fs.NArg())
	for _, a := range fs.Args() {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return errors.Newf("delete: invalid id %q", a)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if err := store.Delete(ctx, id); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "deleted %d sessions\n", len(ids))
	return nil
}

func gc(ctx context.Context, sessions *sharedsession.Sessions, maxLifetime time.Duration, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("gc", pflag.ContinueOnError)
	secs := fs.Int64("max-lifetime", int64(maxLifetime/time.Second), "idle lifetime in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secs < 0 {
		return errors.New("gc: max-lifetime must not be negative")
	}

	n, err := sessions.CollectSeconds(ctx, *secs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "collected %d sessions\n", n)
	return nil
}
