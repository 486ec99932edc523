package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// execute runs the root command with fresh flag values and returns what it
// wrote to stdout and stderr.
func execute(args ...string) (stdout, stderr string, err error) {
	resetFlags(rootCmd)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue) //nolint:errcheck // defaults always parse
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	cmd.SilenceUsage = false
	cmd.SilenceErrors = false
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRootCommand_Help(t *testing.T) {
	out, _, err := execute("--help")
	if err != nil {
		t.Fatalf("root --help failed: %v", err)
	}
	for _, want := range []string{"trustflow", "serve", "apply", "validate", "dispatch", "invoke", "history", "triggers", "associate", "dissociate"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in help output", want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	SetBuildInfo("test-v0.0.1", "abc123", "2026-01-01")
	defer SetBuildInfo("dev", "none", "unknown")

	out, _, err := execute("version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "trustflow test-v0.0.1") || !strings.Contains(out, "abc123") {
		t.Errorf("unexpected version output: %q", out)
	}
}

func TestRootCommand_LogFlags(t *testing.T) {
	logLevel := rootCmd.PersistentFlags().Lookup("log-level")
	if logLevel == nil {
		t.Fatal("expected --log-level persistent flag")
	}
	if logLevel.DefValue != "info" {
		t.Errorf("expected default log-level 'info', got %q", logLevel.DefValue)
	}

	logFormat := rootCmd.PersistentFlags().Lookup("log-format")
	if logFormat == nil {
		t.Fatal("expected --log-format persistent flag")
	}
	if logFormat.DefValue != "text" {
		t.Errorf("expected default log-format 'text', got %q", logFormat.DefValue)
	}

	for _, name := range []string{"otel-endpoint", "config", "db", "db-driver"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag", name)
		}
	}
}

func TestServeCommand_Flags(t *testing.T) {
	serve, _, err := rootCmd.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("failed to find 'serve' command: %v", err)
	}
	for _, name := range []string{"listen", "objects"} {
		if serve.Flags().Lookup(name) == nil {
			t.Errorf("expected --%s flag on serve", name)
		}
	}
}

func TestCompletionCommand(t *testing.T) {
	out, _, err := execute("completion", "bash")
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if !strings.Contains(out, "trustflow") {
		t.Error("expected completion script to mention trustflow")
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, _, err := execute("triggers", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("expected config file not found, got %v", err)
	}
}

func TestLoadConfig_BadDriverOverride(t *testing.T) {
	_, _, err := execute("triggers", "--db-driver", "mysql")
	if err == nil || !strings.Contains(err.Error(), "database.driver") {
		t.Errorf("expected driver validation error, got %v", err)
	}
}

func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 2}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("errors.As failed for %v", err)
	}
	if err.Error() != "exit status 2" {
		t.Errorf("Error() = %q", err.Error())
	}
}
