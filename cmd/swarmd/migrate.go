package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/tdw419/geometry-os-sub000/config"
	"github.com/tdw419/geometry-os-sub000/internal/migration"
)

// =============================================================================
// 🗄️ 事件库迁移命令
// =============================================================================

// migrateOptions 是所有 migrate 子命令共享的参数
type migrateOptions struct {
	configPath string
	dbType     string
	dbURL      string
	all        bool
}

func newMigrateFlagSet(name string, opts *migrateOptions) *flag.FlagSet {
	fs := flag.NewFlagSet("migrate "+name, flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&opts.dbURL, "db-url", "", "Database connection URL")
	if name == "down" {
		fs.BoolVar(&opts.all, "all", false, "Rollback all migrations")
	}
	return fs
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage(os.Stdout)
		os.Exit(1)
	}
	if err := migrateCommand(context.Background(), args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

// migrateCommand 解析子命令并执行，输出写入 out
func migrateCommand(ctx context.Context, args []string, out io.Writer) error {
	sub, rest := args[0], args[1:]

	switch sub {
	case "help", "-h", "--help":
		printMigrateUsage(out)
		return nil
	case "up", "down", "status", "version", "info", "reset":
	case "goto", "force", "steps":
		if len(rest) < 1 {
			return fmt.Errorf("usage: swarmd migrate %s <version>", sub)
		}
	default:
		printMigrateUsage(out)
		return fmt.Errorf("unknown subcommand %q", sub)
	}

	// goto/force/steps 的数字参数是第一个位置参数
	var version string
	if sub == "goto" || sub == "force" || sub == "steps" {
		version, rest = rest[0], rest[1:]
	}

	var opts migrateOptions
	fs := newMigrateFlagSet(sub, &opts)
	fs.SetOutput(out)
	if err := fs.Parse(rest); err != nil {
		return err
	}

	m, err := openMigrator(opts)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(out)

	switch sub {
	case "up":
		return cli.RunUp(ctx)
	case "down":
		if opts.all {
			return cli.RunDownAll(ctx)
		}
		return cli.RunDown(ctx)
	case "reset":
		return cli.RunDownAll(ctx)
	case "status":
		return cli.RunStatus(ctx)
	case "version":
		return cli.RunVersion(ctx)
	case "info":
		return cli.RunInfo(ctx)
	case "steps":
		n, err := strconv.Atoi(version)
		if err != nil || n == 0 {
			return fmt.Errorf("invalid step count: %s", version)
		}
		return cli.RunSteps(ctx, n)
	case "goto":
		v, err := strconv.ParseUint(version, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", version)
		}
		return cli.RunGoto(ctx, uint(v))
	default: // force
		v, err := strconv.ParseInt(version, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", version)
		}
		return cli.RunForce(ctx, int(v))
	}
}

// openMigrator 优先使用 --db-type/--db-url，否则读取配置文件
func openMigrator(opts migrateOptions) (*migration.DefaultMigrator, error) {
	if opts.dbType != "" && opts.dbURL != "" {
		return migration.NewMigratorFromURL(opts.dbType, opts.dbURL)
	}

	loader := config.NewLoader()
	if opts.configPath != "" {
		loader = loader.WithConfigPath(opts.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.dbType != "" {
		cfg.Database.Driver = opts.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func printMigrateUsage(out io.Writer) {
	fmt.Fprintln(out, `Event store migrations

Usage:
  swarmd migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all for every migration)
  status    Show migration status
  version   Show current migration version
  info      Show migration summary
  steps     Apply (n > 0) or roll back (n < 0) n migrations
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  swarmd migrate up --config /etc/swarmd/config.yaml
  swarmd migrate status --db-type sqlite --db-url "file:swarm.db"
  swarmd migrate goto 1
  swarmd migrate force 0`)
}
