package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/tickscope/tickscope/internal/source"
)

// DoctorCommand returns the CLI command definition for the 'doctor'
// subcommand, which diagnoses common setup and configuration issues.
func DoctorCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Diagnose common setup and configuration issues",
		Description: `Run checks to verify tickscope is properly configured.

This command checks:
  - Config file discovery and parsing
  - Reachability of configured capture sources
  - Writability of the controller defaults file

Exit codes:
  0 - All critical checks passed
  1 - One or more issues found`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a config file (overrides discovery)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runDoctor(ctx, version, cmd.String("config"))
		},
	}
}

type checkResult struct {
	Name       string
	Status     string // "pass", "warn", "fail"
	Message    string
	Suggestion string
	IsCritical bool
}

// envUtils abstracts the filesystem and network probes so checks can be
// tested without touching the real environment.
type envUtils interface {
	Stat(name string) (os.FileInfo, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
	ProbeSource(ctx context.Context, src string) error
}

type realEnvUtils struct {
	reader *source.Reader
}

func (r *realEnvUtils) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (r *realEnvUtils) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (r *realEnvUtils) Remove(name string) error { return os.Remove(name) }
func (r *realEnvUtils) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
func (r *realEnvUtils) ProbeSource(ctx context.Context, src string) error {
	return r.reader.Probe(ctx, src)
}

func runDoctor(ctx context.Context, version, configPath string) error {
	return runDoctorWithUtils(ctx, version, configPath, &realEnvUtils{reader: source.NewReader(nil)})
}

func runDoctorWithUtils(ctx context.Context, version, configPath string, utils envUtils) error {
	fmt.Printf("🔍 tickscope doctor v%s\n\n", version)

	cfg, cfgResult := checkConfig(configPath)
	results := []checkResult{cfgResult}
	printCheckResult(cfgResult)

	if cfg != nil {
		for _, src := range cfg.Sources {
			r := checkSource(ctx, utils, src.Source)
			results = append(results, r)
			printCheckResult(r)
		}
		r := checkDefaultsFile(utils, cfg.DefaultsFile)
		results = append(results, r)
		printCheckResult(r)
	}

	fmt.Println()
	summary := summarizeResults(results)
	printSummary(summary)

	if summary.FailCount > 0 {
		return fmt.Errorf("found %d issues that need attention", summary.FailCount)
	}
	return nil
}

func printCheckResult(result checkResult) {
	var icon string
	switch result.Status {
	case "pass":
		icon = "✓"
	case "warn":
		icon = "⚠"
	case "fail":
		icon = "✗"
	}

	fmt.Printf("%s %s\n", icon, result.Message)
	if result.Suggestion != "" {
		fmt.Printf("  %s\n", result.Suggestion)
	}
}

type resultSummary struct {
	PassCount int
	WarnCount int
	FailCount int
}

func summarizeResults(results []checkResult) resultSummary {
	var summary resultSummary
	for _, r := range results {
		switch r.Status {
		case "pass":
			summary.PassCount++
		case "warn":
			summary.WarnCount++
		case "fail":
			summary.FailCount++
		}
	}
	return summary
}

func printSummary(summary resultSummary) {
	if summary.FailCount > 0 {
		fmt.Printf("❌ Found %d issue(s) that need attention\n", summary.FailCount)
		if summary.WarnCount > 0 {
			fmt.Printf("⚠️  %d warning(s)\n", summary.WarnCount)
		}
	} else if summary.WarnCount > 0 {
		fmt.Printf("✅ All critical checks passed!\n")
		fmt.Printf("⚠️  %d optional warning(s)\n", summary.WarnCount)
		fmt.Printf("💡 Run 'tickscope serve --verbose' to start the server\n")
	} else {
		fmt.Printf("✅ All checks passed!\n")
		fmt.Printf("💡 Run 'tickscope serve --verbose' to start the server\n")
	}
}

// checkConfig resolves the effective config and reports where it came from.
func checkConfig(configPath string) (*Config, checkResult) {
	cfg, err := LoadEffectiveConfig(configPath)
	if err != nil {
		return nil, checkResult{
			Name:       "config",
			Status:     "fail",
			Message:    "Could not load configuration",
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	origin := "built-in defaults"
	switch {
	case configPath != "":
		origin = configPath
	default:
		if p, err := FindProjectConfig(); err == nil {
			origin = p
		} else if p := GlobalConfigPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				origin = p
			}
		}
	}

	return cfg, checkResult{
		Name:    "config",
		Status:  "pass",
		Message: fmt.Sprintf("Configuration loaded (%s), listening on %s", origin, cfg.Addr()),
	}
}

// checkSource probes one configured capture source.
func checkSource(ctx context.Context, utils envUtils, src string) checkResult {
	if err := utils.ProbeSource(ctx, src); err != nil {
		return checkResult{
			Name:       "source",
			Status:     "warn",
			Message:    fmt.Sprintf("Source unreachable: %s", src),
			Suggestion: fmt.Sprintf("Polling will retry until it appears. Error: %v", err),
		}
	}
	return checkResult{
		Name:    "source",
		Status:  "pass",
		Message: fmt.Sprintf("Source reachable: %s", src),
	}
}

// checkDefaultsFile verifies the controller defaults file location is
// writable.
func checkDefaultsFile(utils envUtils, path string) checkResult {
	if path == "" {
		return checkResult{
			Name:    "defaults_file",
			Status:  "warn",
			Message: "No defaults file configured; controller state will not persist",
		}
	}

	if err := utils.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return checkResult{
			Name:       "defaults_file",
			Status:     "fail",
			Message:    fmt.Sprintf("Cannot create defaults directory for %s", path),
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	probe := path + ".doctor"
	if err := utils.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return checkResult{
			Name:       "defaults_file",
			Status:     "fail",
			Message:    fmt.Sprintf("Defaults file location not writable: %s", path),
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}
	_ = utils.Remove(probe)

	return checkResult{
		Name:    "defaults_file",
		Status:  "pass",
		Message: fmt.Sprintf("Defaults file writable: %s", path),
	}
}
