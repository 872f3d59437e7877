// Command tdsql is a small SQL batch runner over the minitds driver.
//
// It connects with cleartext SQL authentication, executes batches given on
// the command line or read from a file, and renders the streamed rows. With
// -watch the script file is re-executed whenever it changes.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/ha1tch/minitds/pkg/log"
	"github.com/ha1tch/minitds/pkg/tds"
	"github.com/ha1tch/minitds/pkg/version"
)

// Config is the CLI configuration, merged from JSON file, environment
// variables, and flags with increasing precedence.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`

	AppName    string `json:"app_name"`
	PacketSize int    `json:"packet_size"`
	TimeoutS   int    `json:"timeout_s"`
}

// Environment variable names
const (
	envHost     = "MINITDS_HOST"
	envPort     = "MINITDS_PORT"
	envUser     = "MINITDS_USER"
	envPassword = "MINITDS_PASSWORD"
	envDatabase = "MINITDS_DATABASE"
	envAppName  = "MINITDS_APP_NAME"

	defaultTimeoutS = 10
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tdsql", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath = fs.String("config", "", "Path to JSON config file")
		dsn     = fs.String("dsn", "", "sqlserver:// connection string (overrides config)")

		host     = fs.String("server", "", "SQL Server host")
		port     = fs.Int("port", 0, "SQL Server port")
		user     = fs.String("user", "", "SQL login")
		password = fs.String("password", "", "SQL password")
		database = fs.String("database", "", "Initial database")
		appName  = fs.String("app-name", "", "Application name reported to the server (default tdsql)")

		query     = fs.String("q", "", "SQL batch to execute")
		file      = fs.String("f", "", "File containing the SQL batch")
		watch     = fs.Bool("watch", false, "Re-run the batch file when it changes (requires -f)")
		colNames  = fs.Bool("names", true, "Print column names")
		timeoutS  = fs.Int("timeout", 0, "Connect/read timeout in seconds")
		logLevel  = fs.String("log-level", "warn", "Log level (debug, info, warn, error, off)")
		logFormat = fs.String("log-format", "text", "Log format (text, json)")

		showVersion = fs.Bool("version", false, "Show version")
	)

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	// Load config: JSON -> env -> DSN -> CLI (increasing precedence)
	cfg := loadConfig(*cfgPath, stderr)
	applyEnv(&cfg)
	if *dsn != "" {
		if err := applyDSN(&cfg, *dsn); err != nil {
			fmt.Fprintf(stderr, "tdsql: bad dsn: %v\n", err)
			return 2
		}
	}
	applyCLI(&cfg, *host, *port, *user, *password, *database)
	applyDefaults(&cfg)

	if cfg.Host == "" || cfg.User == "" {
		fmt.Fprintln(stderr, "tdsql: server and user are required (see -server/-user, -dsn, or config)")
		return 2
	}
	if *watch && *file == "" {
		fmt.Fprintln(stderr, "tdsql: -watch requires -f")
		return 2
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "tdsql: %v\n", err)
		return 2
	}
	logCfg := log.Config{DefaultLevel: level, Output: stderr}
	if *logFormat == "json" {
		logCfg.Format = log.FormatJSON
	}
	logger := log.New(logCfg)

	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if *timeoutS > 0 {
		timeout = time.Duration(*timeoutS) * time.Second
	}

	transport := tds.NewTCPTransport(
		tds.WithDialTimeout(timeout),
		tds.WithReadTimeout(timeout),
	)
	driver := tds.NewDriver(transport, tds.WithLogger(logger))
	driver.ReadColumnNames(*colNames)

	err = driver.Connect(tds.ConnectionParameters{
		LoginParameters: tds.LoginParameters{
			ServerName:  cfg.Host,
			UserName:    cfg.User,
			Password:    cfg.Password,
			ClientName:  hostname(),
			AppName:     firstNonEmpty(*appName, cfg.AppName, "tdsql"),
			LibraryName: "minitds",
			DbName:      cfg.Database,
			ClientPID:   uint32(os.Getpid()),
			PacketSize:  uint32(cfg.PacketSize),
		},
		Port: uint16(cfg.Port),
	})
	if err != nil {
		fmt.Fprintf(stderr, "tdsql: connect: %v\n", err)
		return 1
	}
	defer driver.Logout()

	switch {
	case *query != "":
		return runBatch(driver, *query, *colNames, stdout, stderr)
	case *file != "" && !*watch:
		sql, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(stderr, "tdsql: %v\n", err)
			return 1
		}
		return runBatch(driver, string(sql), *colNames, stdout, stderr)
	case *file != "" && *watch:
		return watchBatchFile(driver, *file, *colNames, logger, stdout, stderr)
	default:
		return runREPL(driver, *colNames, stdout, stderr)
	}
}

// runBatch executes one batch and renders its rows.
func runBatch(driver *tds.Driver, sql string, colNames bool, stdout, stderr io.Writer) int {
	printedHeader := false

	affected, err := driver.ExecuteQuery(sql, func(colmd *tds.ColMetadata, row tds.Row) {
		if colNames && !printedHeader {
			printedHeader = true
			names := make([]string, len(colmd.Columns))
			for i, c := range colmd.Columns {
				names[i] = c.Name
			}
			fmt.Fprintln(stdout, strings.Join(names, "\t"))
		}
		fields := make([]string, len(row))
		for i, f := range row {
			fields[i] = tds.FormatField(colmd.Columns[i], f)
		}
		fmt.Fprintln(stdout, strings.Join(fields, "\t"))
	})
	if err != nil {
		fmt.Fprintf(stderr, "tdsql: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "(%d row(s) affected)\n", affected)
	return 0
}

// watchBatchFile runs the batch whenever the file changes, in the shape of
// a hot-reload watcher: events are debounced so editors that write in
// several steps trigger a single run.
func watchBatchFile(driver *tds.Driver, path string, colNames bool, logger *log.Logger, stdout, stderr io.Writer) int {
	abs, err := filepath.Abs(path)
	if err != nil {
		fmt.Fprintf(stderr, "tdsql: %v\n", err)
		return 1
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(stderr, "tdsql: watcher: %v\n", err)
		return 1
	}
	defer fsw.Close()

	// Watch the directory: editors replace files rather than write them
	// in place, which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fmt.Fprintf(stderr, "tdsql: watcher: %v\n", err)
		return 1
	}

	runOnce := func() {
		sql, err := os.ReadFile(abs)
		if err != nil {
			fmt.Fprintf(stderr, "tdsql: %v\n", err)
			return
		}
		fmt.Fprintf(stdout, "-- %s @ %s\n", path, time.Now().Format("15:04:05"))
		runBatch(driver, string(sql), colNames, stdout, stderr)
	}

	runOnce()
	logger.Query().Info("watching batch file", "path", abs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	const debounceDelay = 100 * time.Millisecond
	var timer *time.Timer
	timerCh := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return 0
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, func() {
				select {
				case timerCh <- struct{}{}:
				default:
				}
			})

		case <-timerCh:
			runOnce()

		case err, ok := <-fsw.Errors:
			if !ok {
				return 0
			}
			logger.Query().Warn("watcher error", "error", err.Error())

		case <-sigCh:
			fmt.Fprintln(stdout)
			return 0
		}
	}
}

// runREPL reads batches from stdin, one per line, until EOF.
func runREPL(driver *tds.Driver, colNames bool, stdout, stderr io.Writer) int {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	fmt.Fprint(stdout, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "quit", "exit", "\\q":
			return 0
		default:
			runBatch(driver, line, colNames, stdout, stderr)
		}
		fmt.Fprint(stdout, "> ")
	}
	fmt.Fprintln(stdout)
	return 0
}

func loadConfig(path string, stderr io.Writer) Config {
	var cfg Config
	if path == "" {
		return cfg
	}

	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "tdsql: warning: %v\n", err)
		return cfg
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		fmt.Fprintf(stderr, "tdsql: warning: invalid config file %s: %v\n", path, err)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envHost); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(envPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv(envUser); v != "" {
		cfg.User = v
	}
	if v := os.Getenv(envPassword); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv(envDatabase); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv(envAppName); v != "" {
		cfg.AppName = v
	}
}

// applyDSN maps a sqlserver:// connection string onto the config.
func applyDSN(cfg *Config, dsn string) error {
	parsed, err := msdsn.Parse(dsn)
	if err != nil {
		return err
	}
	cfg.Host = parsed.Host
	if parsed.Port > 0 {
		cfg.Port = int(parsed.Port)
	}
	if parsed.User != "" {
		cfg.User = parsed.User
	}
	if parsed.Password != "" {
		cfg.Password = parsed.Password
	}
	if parsed.Database != "" {
		cfg.Database = parsed.Database
	}
	if parsed.AppName != "" {
		cfg.AppName = parsed.AppName
	}
	if parsed.PacketSize > 0 {
		cfg.PacketSize = int(parsed.PacketSize)
	}
	return nil
}

func applyCLI(cfg *Config, host string, port int, user, password, database string) {
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if user != "" {
		cfg.User = user
	}
	if password != "" {
		cfg.Password = password
	}
	if database != "" {
		cfg.Database = database
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = tds.DefaultPort
	}
	if cfg.TimeoutS == 0 {
		cfg.TimeoutS = defaultTimeoutS
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
