// Package main is the entry point for the jsonldb command-line tool: a
// thin wrapper over the internal/jsonldb engine for inspecting and
// editing a database from the shell without writing Go.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/alcalzone/jsonldb-go/internal/jsonldb"
)

// fileConfig is the shape of the optional -config YAML file. Flags
// override whatever it sets, matching the CLI's flag-then-file
// precedence so scripted invocations can still force a value.
type fileConfig struct {
	ThrottleMs       int      `yaml:"throttleMs"`
	MaxBuffered      int      `yaml:"maxBuffered"`
	IgnoreReadErrors bool     `yaml:"ignoreReadErrors"`
	IndexPaths       []string `yaml:"indexPaths"`
	LockfileDir      string   `yaml:"lockfileDir"`
	AutoCompress     struct {
		SizeFactor            float64 `yaml:"sizeFactor"`
		SizeFactorMinimumSize int64   `yaml:"sizeFactorMinimumSize"`
		IntervalMs            int     `yaml:"intervalMs"`
		IntervalMinChanges    int     `yaml:"intervalMinChanges"`
		OnOpen                bool    `yaml:"onOpen"`
		OnClose               bool    `yaml:"onClose"`
	} `yaml:"autoCompress"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "jsonldb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	if len(os.Args) < 2 {
		return usageError()
	}

	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	dbFile := flag.String("file", "", "Path to the database's .jsonl log (required)")
	configPath := flag.String("config", "", "Optional YAML file with throttle/auto-compress/index-path defaults")
	lockDir := flag.String("lock-dir", "", "Override the lockfile's directory")
	indexPaths := flag.String("index-paths", "", "Comma-separated object paths to secondary-index, e.g. /status,/owner")
	ignoreReadErrors := flag.Bool("ignore-read-errors", false, "Skip malformed log lines instead of failing to open")
	throttleMs := flag.Int("throttle-ms", 0, "Minimum milliseconds between flushes (0 = flush every mutation)")
	maxBuffered := flag.Int("max-buffered", 0, "Backpressure threshold for pending writes (0 = unlimited)")

	cmd := os.Args[1]
	flag.CommandLine.Parse(os.Args[2:])

	setupLogging(*logLevel)

	if *dbFile == "" {
		return errors.New("-file is required")
	}

	cfg, err := loadFileConfig(*configPath)
	if err != nil {
		return err
	}
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	opts := jsonldb.Options{
		IgnoreReadErrors:  cfg.IgnoreReadErrors,
		LockfileDirectory: *lockDir,
		ThrottleFS: jsonldb.ThrottleFSOptions{
			IntervalMs:          *throttleMs,
			MaxBufferedCommands: *maxBuffered,
		},
		AutoCompress: jsonldb.AutoCompressOptions{
			SizeFactor:            cfg.AutoCompress.SizeFactor,
			SizeFactorMinimumSize: cfg.AutoCompress.SizeFactorMinimumSize,
			IntervalMs:            cfg.AutoCompress.IntervalMs,
			IntervalMinChanges:    cfg.AutoCompress.IntervalMinChanges,
			OnOpen:                cfg.AutoCompress.OnOpen,
			OnClose:               cfg.AutoCompress.OnClose,
		},
		IndexPaths: cfg.IndexPaths,
		Logger:     slog.Default(),
	}
	if explicit["ignore-read-errors"] {
		opts.IgnoreReadErrors = *ignoreReadErrors
	}
	if !explicit["lock-dir"] && cfg.LockfileDir != "" {
		opts.LockfileDirectory = cfg.LockfileDir
	}
	if !explicit["throttle-ms"] && cfg.ThrottleMs != 0 {
		opts.ThrottleFS.IntervalMs = cfg.ThrottleMs
	}
	if !explicit["max-buffered"] && cfg.MaxBuffered != 0 {
		opts.ThrottleFS.MaxBufferedCommands = cfg.MaxBuffered
	}
	if *indexPaths != "" {
		opts.IndexPaths = strings.Split(*indexPaths, ",")
	}

	db, err := jsonldb.Open(*dbFile, opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", *dbFile, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("close failed", "error", err)
		}
	}()

	args := flag.Args()
	switch cmd {
	case "get":
		return cmdGet(db, args)
	case "set":
		return cmdSet(db, args)
	case "delete":
		return cmdDelete(db, args)
	case "range":
		return cmdRange(db, args)
	case "dump":
		return cmdDump(db, args)
	case "compress":
		return db.Compress()
	case "export":
		return cmdExport(db, args)
	case "import":
		return cmdImport(db, args)
	default:
		return usageError()
	}
}

func usageError() error {
	fmt.Fprintln(os.Stderr, `usage: jsonldb <command> -file <path> [flags] [args]

commands:
  get <key>                          print the value at key
  set <key> <json-value>             store a JSON value at key
  delete <key>                       remove key
  range <lo> <hi> [filter]           print key/value pairs in [lo, hi]
  dump <path>                        snapshot the log to path
  compress                           rewrite the log, dropping dead records
  export <path> [--pretty]           write the whole database as one JSON object
  import <path>                      replace the database with a JSON object's fields`)
	return flag.ErrHelp
}

func cmdGet(db *jsonldb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("get requires exactly one key")
	}
	v, ok, err := db.Get(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q not found", args[0])
	}
	return printJSON(v)
}

func cmdSet(db *jsonldb.DB, args []string) error {
	if len(args) != 2 {
		return errors.New("set requires a key and a JSON value")
	}
	var v jsonldb.Value
	if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
		return fmt.Errorf("value is not valid JSON: %w", err)
	}
	return db.Set(args[0], v)
}

func cmdDelete(db *jsonldb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("delete requires exactly one key")
	}
	found, err := db.Delete(args[0])
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key %q not found", args[0])
	}
	return nil
}

func cmdRange(db *jsonldb.DB, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("range requires <lo> <hi> [filter]")
	}
	var filter string
	if len(args) == 3 {
		filter = args[2]
	}
	rows, err := db.GetMany(args[0], args[1], filter)
	if err != nil {
		return err
	}
	for _, row := range rows {
		data, err := json.Marshal(row.Value)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", row.Key, data)
	}
	return nil
}

func cmdDump(db *jsonldb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("dump requires a destination path")
	}
	return db.Dump(args[0])
}

func cmdExport(db *jsonldb.DB, args []string) error {
	if len(args) < 1 {
		return errors.New("export requires a destination path")
	}
	pretty := len(args) > 1 && args[1] == "--pretty"
	return db.ExportJSON(args[0], pretty)
}

func cmdImport(db *jsonldb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("import requires a source path")
	}
	return db.ImportJSONFile(args[0])
}

func printJSON(v jsonldb.Value) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}

func setupLogging(level string) {
	ll := &slog.LevelVar{}
	switch strings.ToLower(level) {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		ll.Set(slog.LevelInfo)
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)
}
