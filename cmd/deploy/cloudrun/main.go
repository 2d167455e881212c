// Deploys the drover runtime to Google Cloud Run: builds and pushes the
// container image, provisions the service account and secrets, then rolls
// out the service and probes its health endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/drover-dev/drover/pkg/security"
)

const (
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorReset  = "\033[0m"
)

type Config struct {
	ProjectID    string
	Region       string
	ServiceName  string
	ImageName    string
	Repository   string
	Environment  string
	Dockerfile   string
	OpenAIKey    string
	GeminiKey    string
	AWSAccessKey string
	AWSSecretKey string
	SkipBuild    bool
	SkipSecrets  bool
	SkipDeploy   bool
	AllowUnauth  bool
	Verbose      bool
	DryRun       bool
	MinInstances int
	MaxInstances int
	CPU          int
	Memory       string
	Timeout      int
	Concurrency  int
}

func main() {
	cfg := &Config{}

	flag.StringVar(&cfg.ProjectID, "project", os.Getenv("GCP_PROJECT_ID"), "GCP Project ID")
	flag.StringVar(&cfg.Region, "region", getEnvDefault("GCP_REGION", "us-central1"), "GCP Region")
	flag.StringVar(&cfg.ServiceName, "service", "drover", "Cloud Run service name")
	flag.StringVar(&cfg.ImageName, "image", "runtime", "Image name")
	flag.StringVar(&cfg.Repository, "repository", "drover", "Artifact Registry repository")
	flag.StringVar(&cfg.Environment, "env", "production", "Environment (staging, production)")
	flag.StringVar(&cfg.Dockerfile, "dockerfile", "docker/drover.Dockerfile", "Dockerfile path")
	flag.StringVar(&cfg.OpenAIKey, "openai-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API Key")
	flag.StringVar(&cfg.GeminiKey, "gemini-key", os.Getenv("GEMINI_API_KEY"), "Gemini API Key")
	flag.StringVar(&cfg.AWSAccessKey, "aws-access-key", os.Getenv("AWS_ACCESS_KEY_ID"), "AWS access key ID for Bedrock")
	flag.StringVar(&cfg.AWSSecretKey, "aws-secret-key", os.Getenv("AWS_SECRET_ACCESS_KEY"), "AWS secret access key for Bedrock")
	flag.BoolVar(&cfg.SkipBuild, "skip-build", false, "Skip building and pushing the Docker image")
	flag.BoolVar(&cfg.SkipSecrets, "skip-secrets", false, "Skip creating secrets")
	flag.BoolVar(&cfg.SkipDeploy, "skip-deploy", false, "Skip deployment")
	flag.BoolVar(&cfg.AllowUnauth, "allow-unauthenticated", true, "Allow unauthenticated access")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose output")
	flag.BoolVar(&cfg.DryRun, "dry-run", false, "Show commands without executing")
	flag.IntVar(&cfg.MinInstances, "min-instances", 0, "Minimum number of instances")
	flag.IntVar(&cfg.MaxInstances, "max-instances", 100, "Maximum number of instances")
	flag.IntVar(&cfg.CPU, "cpu", 2, "Number of CPUs")
	flag.StringVar(&cfg.Memory, "memory", "2Gi", "Memory allocation")
	flag.IntVar(&cfg.Timeout, "timeout", 300, "Request timeout in seconds")
	flag.IntVar(&cfg.Concurrency, "concurrency", 80, "Maximum concurrent requests per instance")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Deploy the drover runtime to Google Cloud Run.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  GCP_PROJECT_ID        - GCP project ID\n")
		fmt.Fprintf(os.Stderr, "  GCP_REGION            - GCP region (default: us-central1)\n")
		fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY        - OpenAI API key\n")
		fmt.Fprintf(os.Stderr, "  GEMINI_API_KEY        - Gemini API key\n")
		fmt.Fprintf(os.Stderr, "  AWS_ACCESS_KEY_ID     - AWS access key for Bedrock\n")
		fmt.Fprintf(os.Stderr, "  AWS_SECRET_ACCESS_KEY - AWS secret key for Bedrock\n")
		fmt.Fprintf(os.Stderr, "\nExample:\n")
		fmt.Fprintf(os.Stderr, "  %s -project my-project\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -project my-project -skip-secrets\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -verbose -dry-run\n", os.Args[0])
	}

	flag.Parse()

	if cfg.ProjectID == "" {
		logError("Project ID is required. Set -project or GCP_PROJECT_ID environment variable")
		os.Exit(1)
	}

	// Every one of these values reaches a gcloud or docker command line.
	if err := security.ValidateDeploymentInputs(cfg.ProjectID, cfg.Region, cfg.ServiceName,
		cfg.Repository, cfg.ImageName, cfg.Environment); err != nil {
		logError("Invalid deployment configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logInfo("Starting Cloud Run deployment...")
	if cfg.DryRun {
		logWarn("DRY-RUN MODE: No changes will be made")
	}

	if err := checkPrerequisites(); err != nil {
		logError("Prerequisites check failed: %v", err)
		os.Exit(1)
	}

	if err := setProject(ctx, cfg); err != nil {
		logError("Failed to set project: %v", err)
		os.Exit(1)
	}

	if err := enableAPIs(ctx, cfg); err != nil {
		logError("Failed to enable APIs: %v", err)
		os.Exit(1)
	}

	if err := createRepository(ctx, cfg); err != nil {
		logError("Failed to create repository: %v", err)
		os.Exit(1)
	}

	if err := createServiceAccount(ctx, cfg); err != nil {
		logError("Failed to create service account: %v", err)
		os.Exit(1)
	}

	if !cfg.SkipSecrets {
		if err := createSecrets(ctx, cfg); err != nil {
			logError("Failed to create secrets: %v", err)
			os.Exit(1)
		}
	}

	if !cfg.SkipBuild {
		if err := buildAndPush(ctx, cfg); err != nil {
			logError("Failed to build and push image: %v", err)
			os.Exit(1)
		}
	}

	if !cfg.SkipDeploy {
		if err := deployService(ctx, cfg); err != nil {
			logError("Failed to deploy service: %v", err)
			os.Exit(1)
		}

		if err := testDeployment(ctx, cfg); err != nil {
			logError("Deployment test failed: %v", err)
			os.Exit(1)
		}
	}

	logInfo("Deployment completed successfully!")
}

func checkPrerequisites() error {
	logInfo("Checking prerequisites...")

	for _, name := range []string{"gcloud", "docker"} {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found. Please install it first", name)
		}
	}

	logInfo("Prerequisites check passed")
	return nil
}

func setProject(ctx context.Context, cfg *Config) error {
	logInfo("Setting GCP project to %s...", cfg.ProjectID)
	return run(ctx, cfg, "gcloud", "config", "set", "project", cfg.ProjectID)
}

func enableAPIs(ctx context.Context, cfg *Config) error {
	logInfo("Enabling required GCP APIs...")
	return run(ctx, cfg, "gcloud", "services", "enable",
		"run.googleapis.com",
		"artifactregistry.googleapis.com",
		"secretmanager.googleapis.com",
		"firestore.googleapis.com",
		"cloudresourcemanager.googleapis.com")
}

func createRepository(ctx context.Context, cfg *Config) error {
	logInfo("Creating Artifact Registry repository...")

	if err := probe(ctx, "gcloud", "artifacts", "repositories", "describe", cfg.Repository,
		"--location="+cfg.Region); err == nil {
		logWarn("Repository %s already exists", cfg.Repository)
		return nil
	}

	return run(ctx, cfg, "gcloud", "artifacts", "repositories", "create", cfg.Repository,
		"--repository-format=docker",
		"--location="+cfg.Region,
		"--description=Drover container images")
}

func createServiceAccount(ctx context.Context, cfg *Config) error {
	logInfo("Creating service account...")

	account := serviceAccount(cfg)

	if err := probe(ctx, "gcloud", "iam", "service-accounts", "describe", account); err == nil {
		logWarn("Service account already exists")
	} else {
		if err := run(ctx, cfg, "gcloud", "iam", "service-accounts", "create", "drover",
			"--display-name=Drover Runtime Service Account"); err != nil {
			return err
		}
		logInfo("Service account created")
	}

	logInfo("Granting IAM permissions...")
	roles := []string{
		"roles/secretmanager.secretAccessor",
		"roles/datastore.user",
		"roles/logging.logWriter",
		"roles/cloudtrace.agent",
	}

	for _, role := range roles {
		if err := run(ctx, cfg, "gcloud", "projects", "add-iam-policy-binding", cfg.ProjectID,
			"--member=serviceAccount:"+account,
			"--role="+role,
			"--condition=None"); err != nil {
			logWarn("Failed to grant role %s: %v", role, err)
		}
	}

	return nil
}

func createSecrets(ctx context.Context, cfg *Config) error {
	logInfo("Setting up secrets...")

	secrets := []struct {
		name  string
		value string
	}{
		{"openai-api-key", cfg.OpenAIKey},
		{"gemini-api-key", cfg.GeminiKey},
		{"aws-access-key-id", cfg.AWSAccessKey},
		{"aws-secret-access-key", cfg.AWSSecretKey},
	}

	for _, s := range secrets {
		if s.value == "" {
			logWarn("Skipping secret %s (not provided)", s.name)
			continue
		}
		if cfg.DryRun {
			logInfo("[DRY-RUN] Would create/update secret %s", s.name)
			continue
		}

		cmd := exec.CommandContext(ctx, "gcloud", "secrets", "create", s.name,
			"--replication-policy=automatic",
			"--data-file=-")
		cmd.Stdin = strings.NewReader(s.value)

		if err := cmd.Run(); err != nil {
			// The secret exists from an earlier deploy, so add a version.
			cmd = exec.CommandContext(ctx, "gcloud", "secrets", "versions", "add", s.name,
				"--data-file=-")
			cmd.Stdin = strings.NewReader(s.value)
			if err := cmd.Run(); err != nil {
				logWarn("Failed to create/update secret %s: %v", s.name, err)
				continue
			}
		}
		logInfo("Secret %s created/updated", s.name)
	}

	return nil
}

func buildAndPush(ctx context.Context, cfg *Config) error {
	logInfo("Building Docker image...")

	tag := imageTag(cfg)

	if err := run(ctx, cfg, "gcloud", "auth", "configure-docker",
		fmt.Sprintf("%s-docker.pkg.dev", cfg.Region), "--quiet"); err != nil {
		return err
	}

	if err := run(ctx, cfg, "docker", "build",
		"--platform", "linux/amd64",
		"-t", tag,
		"-f", cfg.Dockerfile,
		"."); err != nil {
		return err
	}

	logInfo("Pushing image to Artifact Registry...")
	if err := run(ctx, cfg, "docker", "push", tag); err != nil {
		return err
	}

	logInfo("Image pushed successfully: %s", tag)
	return nil
}

func deployService(ctx context.Context, cfg *Config) error {
	logInfo("Deploying to Cloud Run...")

	args := []string{
		"run", "deploy", cfg.ServiceName,
		"--image=" + imageTag(cfg),
		"--platform=managed",
		"--region=" + cfg.Region,
		"--service-account=" + serviceAccount(cfg),
		fmt.Sprintf("--min-instances=%d", cfg.MinInstances),
		fmt.Sprintf("--max-instances=%d", cfg.MaxInstances),
		fmt.Sprintf("--cpu=%d", cfg.CPU),
		"--memory=" + cfg.Memory,
		fmt.Sprintf("--timeout=%d", cfg.Timeout),
		fmt.Sprintf("--concurrency=%d", cfg.Concurrency),
		"--port=8080",
		"--set-env-vars=DROVER_GRPC_ADDR=:9090,ENVIRONMENT=" + cfg.Environment,
		"--set-secrets=OPENAI_API_KEY=openai-api-key:latest,GEMINI_API_KEY=gemini-api-key:latest,AWS_ACCESS_KEY_ID=aws-access-key-id:latest,AWS_SECRET_ACCESS_KEY=aws-secret-access-key:latest",
		"--execution-environment=gen2",
		"--cpu-boost",
	}

	if cfg.AllowUnauth {
		args = append(args, "--allow-unauthenticated")
	} else {
		args = append(args, "--no-allow-unauthenticated")
	}

	if err := run(ctx, cfg, "gcloud", args...); err != nil {
		return err
	}

	logInfo("Deployment complete!")

	if cfg.DryRun {
		return nil
	}

	url, err := serviceURL(ctx, cfg)
	if err != nil {
		return err
	}
	logInfo("Service URL: %s", url)

	return nil
}

func testDeployment(ctx context.Context, cfg *Config) error {
	if cfg.DryRun {
		logInfo("[DRY-RUN] Skipping deployment test")
		return nil
	}

	logInfo("Testing deployment...")

	url, err := serviceURL(ctx, cfg)
	if err != nil {
		return err
	}

	if err := run(ctx, cfg, "curl", "-sf", url+"/health/live"); err != nil {
		return fmt.Errorf("health check failed")
	}

	logInfo("Health check passed!")
	return nil
}

func imageTag(cfg *Config) string {
	return fmt.Sprintf("%s-docker.pkg.dev/%s/%s/%s:latest",
		cfg.Region, cfg.ProjectID, cfg.Repository, cfg.ImageName)
}

func serviceAccount(cfg *Config) string {
	return fmt.Sprintf("drover@%s.iam.gserviceaccount.com", cfg.ProjectID)
}

func serviceURL(ctx context.Context, cfg *Config) (string, error) {
	out, err := exec.CommandContext(ctx, "gcloud", "run", "services", "describe", cfg.ServiceName,
		"--platform=managed",
		"--region="+cfg.Region,
		"--format=value(status.url)").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// run executes a mutating command. Dry-run mode prints it instead.
func run(ctx context.Context, cfg *Config, name string, args ...string) error {
	if cfg.DryRun {
		logInfo("[DRY-RUN] Would run: %s %s", name, strings.Join(args, " "))
		return nil
	}
	if cfg.Verbose {
		logInfo("Running: %s %s", name, strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// probe executes a read-only existence check, even under dry-run.
func probe(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func logInfo(format string, args ...interface{}) {
	log.Printf("%s[INFO]%s %s\n", colorGreen, colorReset, fmt.Sprintf(format, args...))
}

func logWarn(format string, args ...interface{}) {
	log.Printf("%s[WARN]%s %s\n", colorYellow, colorReset, fmt.Sprintf(format, args...))
}

func logError(format string, args ...interface{}) {
	log.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, fmt.Sprintf(format, args...))
}
