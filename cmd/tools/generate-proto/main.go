// Command generate-proto runs protoc over the repository's protobuf
// definitions and drops the generated Go code next to them. The checked-in
// stubs in proto/ are handwritten stand-ins; regenerate with this tool once
// the real toolchain output is adopted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

var (
	verbose   = flag.Bool("verbose", false, "Enable verbose output")
	dryRun    = flag.Bool("dry-run", false, "Show commands without executing")
	protoFile = flag.String("proto", "proto/delegation.proto", "Path to proto file")
	install   = flag.Bool("install", true, "Install protoc plugins if missing")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generate Go code from protobuf definitions.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExample:\n")
		fmt.Fprintf(os.Stderr, "  %s\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -proto proto/delegation.proto -verbose\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -dry-run\n", os.Args[0])
	}
	flag.Parse()

	if err := run(); err != nil {
		logError("Failed: %v", err)
		os.Exit(1)
	}

	logSuccess("Code generation complete!")
}

func run() error {
	root, err := moduleRoot()
	if err != nil {
		return fmt.Errorf("finding module root: %w", err)
	}
	if err := os.Chdir(root); err != nil {
		return fmt.Errorf("changing to module root: %w", err)
	}
	logInfo("Working directory: %s", root)

	if !commandExists("protoc") {
		return fmt.Errorf("protoc not found - please install Protocol Buffers compiler")
	}
	if version, err := protocVersion(); err != nil {
		logWarn("Could not determine protoc version: %v", err)
	} else if *verbose {
		logInfo("Using protoc version: %s", version)
	}

	if *install {
		if err := installPlugins(); err != nil {
			return err
		}
	}

	if _, err := os.Stat(*protoFile); err != nil {
		return fmt.Errorf("proto file not found: %s", *protoFile)
	}

	return generate()
}

// moduleRoot walks up from the working directory until it finds go.mod.
func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no go.mod found above %s", dir)
		}
		dir = parent
	}
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func protocVersion() (string, error) {
	out, err := exec.Command("protoc", "--version").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func installPlugins() error {
	plugins := map[string]string{
		"protoc-gen-go":      "google.golang.org/protobuf/cmd/protoc-gen-go@latest",
		"protoc-gen-go-grpc": "google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest",
	}

	for plugin, pkg := range plugins {
		if commandExists(plugin) {
			if *verbose {
				logInfo("%s already installed", plugin)
			}
			continue
		}
		logInfo("Installing %s...", plugin)
		if *dryRun {
			logInfo("[DRY-RUN] Would run: go install %s", pkg)
			continue
		}
		cmd := exec.Command("go", "install", pkg)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("installing %s: %w", plugin, err)
		}
		logSuccess("%s installed", plugin)
	}

	return nil
}

func generate() error {
	logInfo("Generating Go code from protobuf definitions...")

	args := []string{
		"--go_out=.",
		"--go_opt=paths=source_relative",
		"--go-grpc_out=.",
		"--go-grpc_opt=paths=source_relative",
		*protoFile,
	}

	if *dryRun {
		logInfo("[DRY-RUN] Would run: protoc %s", strings.Join(args, " "))
		return nil
	}

	cmd := exec.Command("protoc", args...)
	if *verbose {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		logInfo("Running: protoc %s", strings.Join(args, " "))
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("running protoc: %w", err)
		}
	} else {
		output, err := cmd.CombinedOutput()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s", output)
			return fmt.Errorf("protoc failed: %w", err)
		}
	}

	base := strings.TrimSuffix(*protoFile, ".proto")
	for _, file := range []string{base + ".pb.go", base + "_grpc.pb.go"} {
		if _, err := os.Stat(file); err != nil {
			logWarn("Expected file not found: %s", file)
		} else if *verbose {
			logSuccess("Generated: %s", file)
		}
	}

	return nil
}

func logInfo(format string, args ...any) {
	fmt.Printf("%s[INFO]%s %s\n", colorGreen, colorReset, fmt.Sprintf(format, args...))
}

func logWarn(format string, args ...any) {
	fmt.Printf("%s[WARN]%s %s\n", colorYellow, colorReset, fmt.Sprintf(format, args...))
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s[ERROR]%s %s\n", colorRed, colorReset, fmt.Sprintf(format, args...))
}

func logSuccess(format string, args ...any) {
	fmt.Printf("%s[SUCCESS]%s %s\n", colorGreen, colorReset, fmt.Sprintf(format, args...))
}
