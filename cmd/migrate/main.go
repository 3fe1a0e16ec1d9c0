// Command migrate applies or reverts the wait history schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/coachpo/eventwait/internal/infra/persistence/migrations"
	"github.com/coachpo/eventwait/internal/observability"
)

const (
	defaultTimeout = 30 * time.Second
	databaseEnv    = "EVENTWAIT_DATABASE_DSN"
)

type options struct {
	dsn     string
	dir     string
	timeout time.Duration
	quiet   bool
	command string
	steps   int
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseArgs(args []string, output io.Writer) (options, error) {
	fsFlags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fsFlags.SetOutput(output)
	var opts options
	fsFlags.StringVar(&opts.dsn, "database", os.Getenv(databaseEnv), "PostgreSQL DSN (default: $"+databaseEnv+")")
	fsFlags.StringVar(&opts.dir, "path", "", "Directory containing SQL migrations (default: embedded)")
	fsFlags.DurationVar(&opts.timeout, "timeout", defaultTimeout, "Maximum time to wait for database connectivity")
	fsFlags.BoolVar(&opts.quiet, "quiet", false, "Suppress informational logs")
	if err := fsFlags.Parse(args); err != nil {
		return options{}, err
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		return options{}, errors.New("-database flag is required")
	}
	rest := fsFlags.Args()
	if len(rest) == 0 {
		return options{}, errors.New("command required (up|down)")
	}
	opts.command = rest[0]
	switch opts.command {
	case "up":
	case "down":
		opts.steps = 1
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return options{}, fmt.Errorf("invalid down steps %q", rest[1])
			}
			opts.steps = n
		}
	default:
		return options{}, fmt.Errorf("unknown command %q (expected up or down)", opts.command)
	}
	return opts, nil
}

func run(opts options) error {
	var logger observability.Logger
	if !opts.quiet {
		logger = observability.NewLogrusLogger(os.Stdout, "", "migrate")
	}

	files := migrations.Embedded()
	if strings.TrimSpace(opts.dir) != "" {
		dir, err := migrations.Dir(opts.dir)
		if err != nil {
			return err
		}
		files = dir
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	return execute(ctx, opts, files, logger)
}

func execute(ctx context.Context, opts options, files fs.FS, logger observability.Logger) error {
	if opts.command == "down" {
		return migrations.Rollback(ctx, opts.dsn, files, opts.steps, logger)
	}
	return migrations.Apply(ctx, opts.dsn, files, logger)
}
