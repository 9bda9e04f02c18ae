package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitFailure
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return exitOK
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return exitFailure
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: herald config <action>")
	fmt.Fprintln(w, "Actions: check")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: herald config check [--config PATH] [--json]")
	fmt.Println("Validate configuration, diagnose each target and print its session fingerprint.")
	fmt.Println("Exits 2 when the configuration does not load or a diagnostic reports an error.")
}

type checkTarget struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Command     string `json:"command"`
	Dir         string `json:"dir,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

type checkReport struct {
	Valid   bool          `json:"valid"`
	Config  string        `json:"config"`
	Hash    string        `json:"blake3,omitempty"`
	Error   string        `json:"error,omitempty"`
	Targets []checkTarget `json:"targets,omitempty"`

	Diagnostics *doctor.Result `json:"diagnostics,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	path := configFile(resolveConfigPath(*configPath))
	report := checkReport{Config: path}

	cfg, err := config.Load(path)
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Diagnostics = doctor.New(cfg).Validate()
		report.Valid = report.Diagnostics.Valid
		if hash, err := config.ComputeBlake3Hash(path); err == nil {
			report.Hash = hash
		}
		for _, name := range cfg.TargetNames() {
			t := cfg.Targets[name]
			report.Targets = append(report.Targets, checkTarget{
				Name:        name,
				Type:        t.Type,
				Command:     t.Command,
				Dir:         t.Dir,
				Fingerprint: t.Fingerprint(),
			})
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else if report.Error != "" {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %s\n", report.Error)
	} else {
		if report.Valid {
			fmt.Printf("Configuration valid: %s\n", report.Config)
		} else {
			fmt.Printf("Configuration invalid: %s\n", report.Config)
		}
		if report.Hash != "" {
			fmt.Printf("blake3: %s\n", report.Hash)
		}
		for _, t := range report.Targets {
			fmt.Printf("  %-16s %-6s %s  [%s]\n", t.Name, t.Type, t.Command, shortenCommit(t.Fingerprint))
		}
		fmt.Print(doctor.FormatHuman(report.Diagnostics))
	}

	if !report.Valid {
		return exitConfig
	}
	return exitOK
}

// configFile maps a config directory to the config.yaml inside it.
func configFile(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, "config.yaml")
	}
	return path
}
