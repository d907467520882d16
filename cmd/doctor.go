package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wagate/internal/config"
	"github.com/nextlevelbuilder/wagate/internal/instance"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			if !runDoctor() {
				os.Exit(1)
			}
		},
	}
}

// runDoctor prints a health report and reports whether everything passed.
func runDoctor() bool {
	ok := true
	fmt.Println("wagate doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return false
	}

	fmt.Println()
	fmt.Printf("  Listen:   %s\n", cfg.Addr())
	if cfg.Server.Token == "" {
		fmt.Println("  Auth:     disabled (server.token is empty)")
	} else {
		fmt.Println("  Auth:     bearer token")
	}

	fmt.Println()
	dataDir := cfg.DataDir()
	fmt.Printf("  Data dir: %s", dataDir)
	if err := checkWritable(dataDir); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
		ok = false
	} else {
		fmt.Println(" (OK)")
	}

	catalogPath := cfg.CatalogPath()
	fmt.Printf("  Catalog:  %s", catalogPath)
	records, err := instance.ReadFile(catalogPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println(" (not created yet)")
	case err != nil:
		fmt.Printf(" (UNREADABLE: %s)\n", err)
		ok = false
	default:
		fmt.Printf(" (OK, %d instances)\n", len(records))
	}

	sessionsDir := cfg.SessionsDir()
	fmt.Printf("  Sessions: %s", sessionsDir)
	if entries, err := os.ReadDir(sessionsDir); err != nil {
		fmt.Println(" (none)")
	} else {
		fmt.Printf(" (%d credential dirs)\n", len(entries))
	}

	fmt.Println()
	if cfg.Events.RedisURL != "" {
		fmt.Printf("  Redis:    %s\n", redactURL(cfg.Events.RedisURL))
	}
	if cfg.Telemetry.Enabled {
		fmt.Printf("  OTLP:     %s (%s)\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
	return ok
}

// checkWritable creates dir if needed and probes it with a temp file.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
