package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover"
	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/internal/llm/provider"
	"github.com/drover-dev/drover/pkg/pause"
)

// Version information (set via ldflags)
var Version = "dev"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "Multi-agent LLM runtime",
		Long:  "Drover runs LLM agents from a YAML config: single runs, coordinated flocks, and gRPC delegation between runtimes.",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config",
		getEnv("DROVER_CONFIG", "config/agents.yaml"), "Agent configuration file")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newFlockCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newPausedCommand())
	rootCmd.AddCommand(newModelsCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [agent] <task>",
		Short: "Run a single agent on a task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var agentName, task string
			if len(args) == 2 {
				agentName, task = args[0], args[1]
			} else {
				task = args[0]
			}
			sessionID, _ := cmd.Flags().GetString("session")
			noInput, _ := cmd.Flags().GetBool("no-input")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			if err := rt.Start(ctx); err != nil {
				return err
			}
			defer shutdown(rt)

			out, err := rt.RunAgent(ctx, agentName, agent.RunConfig{
				UserMessage: task,
				SessionID:   sessionID,
			})
			if err != nil {
				return err
			}

			for out.Paused != nil {
				if noInput {
					fmt.Printf("Run paused: %s\n", out.Paused.Question)
					fmt.Printf("Resume with: drover resume %s <answer>\n", out.Paused.ExecutionID)
					return nil
				}
				answer, perr := promptHuman(out.Paused.Question)
				if perr != nil {
					if cerr := rt.CancelPaused(ctx, agentName, out.Paused.ExecutionID); cerr != nil {
						fmt.Fprintf(os.Stderr, "Warning: cancel paused run: %v\n", cerr)
					}
					return perr
				}
				out, err = rt.Resume(ctx, agentName, out.Paused.ExecutionID, answer)
				if err != nil {
					return err
				}
			}

			fmt.Println(out.Response)
			if out.Metadata.Status != agent.StatusCompleted {
				fmt.Fprintf(os.Stderr, "Status: %s\n", out.Metadata.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("session", "", "Session ID for conversation continuity")
	cmd.Flags().Bool("no-input", false, "Don't prompt for human input; print the execution ID and exit")
	return cmd
}

func newFlockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flock <task>",
		Short: "Run the coordinator over the whole agent roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			showWork, _ := cmd.Flags().GetBool("show-work")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			if err := rt.Start(ctx); err != nil {
				return err
			}
			defer shutdown(rt)

			res, err := rt.RunFlock(ctx, agent.CoordinatorConfig{
				RunConfig: agent.RunConfig{
					UserMessage: args[0],
					SessionID:   sessionID,
				},
			})
			if err != nil {
				return err
			}

			fmt.Println(res.Response)
			if showWork && len(res.Delegations) > 0 {
				fmt.Fprintln(os.Stderr, "\nDelegations:")
				for i, d := range res.Delegations {
					line := fmt.Sprintf("  %d. %s [%s] %s", i+1, d.AgentName, d.Status, truncate(d.Task, 60))
					if d.Error != "" {
						line += " error: " + d.Error
					}
					fmt.Fprintln(os.Stderr, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("session", "", "Session ID for conversation continuity")
	cmd.Flags().Bool("show-work", false, "Print the delegation ledger after the answer")
	return cmd
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <execution-id> [answer]",
		Short: "Answer a paused run and let it finish",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			executionID := args[0]
			agentName, _ := cmd.Flags().GetString("agent")

			var answer string
			if len(args) == 2 {
				answer = args[1]
			} else {
				var err error
				if answer, err = promptHuman(""); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			if err := rt.Start(ctx); err != nil {
				return err
			}
			defer shutdown(rt)

			out, err := rt.Resume(ctx, agentName, executionID, answer)
			if err != nil {
				return err
			}

			for out.Paused != nil {
				next, perr := promptHuman(out.Paused.Question)
				if perr != nil {
					return perr
				}
				out, err = rt.Resume(ctx, agentName, out.Paused.ExecutionID, next)
				if err != nil {
					return err
				}
			}

			fmt.Println(out.Response)
			return nil
		},
	}
	cmd.Flags().String("agent", "", "Agent that owns the paused run (default: first configured)")
	return cmd
}

func newPausedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paused",
		Short: "List checkpointed runs waiting for human input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := drover.LoadConfig(configFile)
			if err != nil {
				return err
			}

			// Listing needs only the checkpoint store, not a full runtime.
			cp, err := pause.NewFileCheckpointer(cfg.Pause.CheckpointDir)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			cps, err := cp.List(ctx)
			if err != nil {
				return err
			}

			waiting := 0
			for _, c := range cps {
				if c.Status != pause.CheckpointPaused {
					continue
				}
				waiting++
				age := ""
				if c.PausedAt != nil {
					age = fmt.Sprintf(" (%s ago)", time.Since(*c.PausedAt).Round(time.Second))
				}
				fmt.Printf("%s  %q%s\n", c.ExecutionID, c.Question, age)
			}
			if waiting == 0 {
				fmt.Println("No runs waiting for input.")
			}
			return nil
		},
	}
}

func newModelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List registered providers and available Bedrock models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Providers:")
			for _, name := range provider.Names() {
				fmt.Printf("  %s\n", name)
			}

			useBedrock, _ := cmd.Flags().GetBool("bedrock")
			if !useBedrock {
				return nil
			}
			region, _ := cmd.Flags().GetString("region")
			byProvider, _ := cmd.Flags().GetString("provider")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return fmt.Errorf("load AWS config: %w", err)
			}

			input := &bedrock.ListFoundationModelsInput{}
			if byProvider != "" {
				input.ByProvider = aws.String(byProvider)
			}
			out, err := bedrock.NewFromConfig(awsCfg).ListFoundationModels(ctx, input)
			if err != nil {
				return fmt.Errorf("list Bedrock models: %w", err)
			}

			fmt.Printf("\nBedrock foundation models (%s):\n", region)
			for _, m := range out.ModelSummaries {
				streaming := ""
				if aws.ToBool(m.ResponseStreamingSupported) {
					streaming = "  streaming"
				}
				fmt.Printf("  %-55s %s%s\n", aws.ToString(m.ModelId), aws.ToString(m.ProviderName), streaming)
			}
			return nil
		},
	}
	cmd.Flags().Bool("bedrock", false, "Query the Bedrock control plane for available models")
	cmd.Flags().String("region", getEnv("AWS_REGION", "us-east-1"), "AWS region for Bedrock")
	cmd.Flags().String("provider", "", "Filter Bedrock models by provider name")
	return cmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the local roster over gRPC for remote delegation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			certFile, _ := cmd.Flags().GetString("tls-cert")
			keyFile, _ := cmd.Flags().GetString("tls-key")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			if err := rt.Start(ctx); err != nil {
				return err
			}
			defer shutdown(rt)

			var tlsCfg *tls.Config
			if certFile != "" || keyFile != "" {
				cert, err := tls.LoadX509KeyPair(certFile, keyFile)
				if err != nil {
					return fmt.Errorf("load TLS key pair: %w", err)
				}
				tlsCfg = &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				}
			}

			return rt.Serve(ctx, addr, tlsCfg)
		},
	}
	cmd.Flags().String("addr", getEnv("DROVER_GRPC_ADDR", ":50051"), "gRPC listen address")
	cmd.Flags().String("tls-cert", "", "TLS certificate file for the gRPC server")
	cmd.Flags().String("tls-key", "", "TLS key file for the gRPC server")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the drover version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drover v%s\n", Version)
		},
	}
}

func buildRuntime(ctx context.Context) (*drover.Runtime, error) {
	cfg, err := drover.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	return drover.NewRuntime(ctx, cfg)
}

func shutdown(rt *drover.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: shutdown: %v\n", err)
	}
}

// promptHuman reads one line from the terminal in response to an agent's
// question. An empty question means the caller already printed context.
func promptHuman(question string) (string, error) {
	if question != "" {
		fmt.Printf("\nAgent asks: %s\n", question)
	}

	line := liner.NewLiner()
	defer func() {
		_ = line.Close()
	}()
	line.SetCtrlCAborts(true)

	answer, err := line.Prompt("answer> ")
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", fmt.Errorf("input aborted")
		}
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("empty answer")
	}
	line.AppendHistory(answer)
	return answer, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
