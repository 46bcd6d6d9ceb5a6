package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/violation.report/internal/config"
	"github.com/banshee-data/violation.report/internal/db"
	"github.com/banshee-data/violation.report/internal/version"
)

var (
	configPath    = flag.String("config", "", "Session configuration file (.json or .yaml); env VIOLATIOND_CONFIG")
	dbPath        = flag.String("db", "", "SQLite database path; env VIOLATIOND_DB")
	migrationsDir = flag.String("migrations-dir", "", "Apply migrations from this directory instead of the embedded set")
	listen        = flag.String("listen", "", "HTTP listen address, empty to disable; env VIOLATIOND_LISTEN")
	source        = flag.String("source", "", "Frame source: a JSON-lines recording, or serial:<device>; env VIOLATIOND_SOURCE")
	baud          = flag.Int("baud", 0, "Serial baud rate (default 115200)")
	replayRate    = flag.Float64("replay-rate", 1, "Replay speed multiplier, 0 for as fast as possible")
	evidenceDir   = flag.String("evidence-dir", "", "Override evidence.directory from the configuration")
	epochFlag     = flag.String("epoch", "", "Session epoch for frame timestamps (RFC 3339 or unix seconds, default now)")
	exitOnEOF     = flag.Bool("exit-on-eof", false, "Exit once the source is exhausted instead of serving the API")
	migrateCmd    = flag.String("migrate", "", "Run a migration command and exit: up, down, version or force:<n>")
	envFile       = flag.String("env-file", ".env", "Optional dotenv file read before resolving defaults")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseEpoch(v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -epoch %q", v)
	}
	return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
}

func runMigrate(cmd, path, dir string) error {
	database, err := db.NewDB(path)
	if err != nil {
		return err
	}
	defer database.Close()

	switch {
	case cmd == "up":
		return database.MigrateUp(dir)
	case cmd == "down":
		return database.MigrateDown(dir)
	case cmd == "version":
		v, dirty, err := database.MigrateVersion(dir)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d (dirty=%t)\n", v, dirty)
		return nil
	case strings.HasPrefix(cmd, "force:"):
		n, err := strconv.Atoi(strings.TrimPrefix(cmd, "force:"))
		if err != nil {
			return fmt.Errorf("invalid force version: %w", err)
		}
		return database.MigrateForce(dir, n)
	default:
		return fmt.Errorf("unknown migrate command %q", cmd)
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("failed to read %s: %v", *envFile, err)
	}

	o := options{
		ConfigPath:    firstNonEmpty(*configPath, os.Getenv("VIOLATIOND_CONFIG"), config.DefaultConfigPath),
		DBPath:        firstNonEmpty(*dbPath, os.Getenv("VIOLATIOND_DB"), "violations.db"),
		MigrationsDir: *migrationsDir,
		Listen:        firstNonEmpty(*listen, os.Getenv("VIOLATIOND_LISTEN")),
		Source:        firstNonEmpty(*source, os.Getenv("VIOLATIOND_SOURCE")),
		Baud:          *baud,
		ReplayRate:    *replayRate,
		EvidenceDir:   *evidenceDir,
		ExitOnEOF:     *exitOnEOF,
	}

	if *migrateCmd != "" {
		if err := runMigrate(*migrateCmd, o.DBPath, o.MigrationsDir); err != nil {
			log.Fatalf("migrate %s: %v", *migrateCmd, err)
		}
		return
	}

	if o.Source == "" {
		log.Fatal("Frame source is required (-source)")
	}
	epoch, err := parseEpoch(*epochFlag)
	if err != nil {
		log.Fatal(err)
	}
	o.Epoch = epoch

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting %s", version.String())
	if err := run(ctx, o); err != nil {
		log.Fatalf("violationd: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
