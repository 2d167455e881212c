// Deploys the drover runtime to a GKE cluster: builds and pushes the image,
// provisions namespace secrets, applies the kustomize overlay for the target
// environment, and waits for the rollout to settle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

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
	Zone         string
	Cluster      string
	Environment  string
	Registry     string
	ImageTag     string
	Dockerfile   string
	OpenAIKey    string
	GeminiKey    string
	AWSAccessKey string
	AWSSecretKey string
	SkipBuild    bool
	SkipSecrets  bool
	SkipDeploy   bool
	SkipTests    bool
	Namespace    string
	Overlay      string
}

func main() {
	cfg := &Config{}

	flag.StringVar(&cfg.ProjectID, "project", os.Getenv("GCP_PROJECT_ID"), "GCP Project ID")
	flag.StringVar(&cfg.Region, "region", getEnvDefault("GCP_REGION", "us-central1"), "GCP Region")
	flag.StringVar(&cfg.Zone, "zone", getEnvDefault("GKE_ZONE", "us-central1"), "GKE Zone")
	flag.StringVar(&cfg.Cluster, "cluster", getEnvDefault("GKE_CLUSTER", "drover-cluster"), "GKE Cluster name")
	flag.StringVar(&cfg.Environment, "env", "staging", "Environment (staging, production)")
	flag.StringVar(&cfg.Registry, "registry", "", "Container registry (auto-detected if empty)")
	flag.StringVar(&cfg.ImageTag, "tag", getEnvDefault("IMAGE_TAG", "latest"), "Image tag")
	flag.StringVar(&cfg.Dockerfile, "dockerfile", "docker/drover.Dockerfile", "Dockerfile path")
	flag.StringVar(&cfg.OpenAIKey, "openai-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API Key")
	flag.StringVar(&cfg.GeminiKey, "gemini-key", os.Getenv("GEMINI_API_KEY"), "Gemini API Key")
	flag.StringVar(&cfg.AWSAccessKey, "aws-access-key", os.Getenv("AWS_ACCESS_KEY_ID"), "AWS access key ID for Bedrock")
	flag.StringVar(&cfg.AWSSecretKey, "aws-secret-key", os.Getenv("AWS_SECRET_ACCESS_KEY"), "AWS secret access key for Bedrock")
	flag.BoolVar(&cfg.SkipBuild, "skip-build", false, "Skip building and pushing the Docker image")
	flag.BoolVar(&cfg.SkipSecrets, "skip-secrets", false, "Skip creating secrets")
	flag.BoolVar(&cfg.SkipDeploy, "skip-deploy", false, "Skip deployment")
	flag.BoolVar(&cfg.SkipTests, "skip-tests", false, "Skip smoke tests")

	flag.Parse()

	if cfg.Environment == "production" {
		cfg.Namespace = "drover"
		cfg.Overlay = "production"
	} else {
		cfg.Namespace = "drover-staging"
		cfg.Overlay = "staging"
	}

	if cfg.Registry == "" {
		cfg.Registry = fmt.Sprintf("%s-docker.pkg.dev", cfg.Region)
	}

	if cfg.ProjectID == "" {
		logError("Project ID is required. Set -project or GCP_PROJECT_ID environment variable")
		os.Exit(1)
	}

	// Everything below reaches gcloud, docker, or kubectl command lines.
	if err := security.ValidateDeploymentInputs(cfg.ProjectID, cfg.Region, cfg.Cluster,
		"drover", "runtime", cfg.Environment); err != nil {
		logError("Invalid deployment configuration: %v", err)
		os.Exit(1)
	}
	if err := security.ValidateRegion(cfg.Zone); err != nil {
		logError("Invalid zone: %v", err)
		os.Exit(1)
	}
	if err := security.ValidateNamespace(cfg.Namespace); err != nil {
		logError("Invalid namespace: %v", err)
		os.Exit(1)
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	logInfo("Starting Kubernetes deployment to %s environment...", cfg.Environment)

	if err := checkPrerequisites(); err != nil {
		logError("Prerequisites check failed: %v", err)
		os.Exit(1)
	}

	if err := authenticateGCP(ctx, cfg); err != nil {
		logError("Failed to authenticate to GCP: %v", err)
		os.Exit(1)
	}

	if err := getClusterCredentials(ctx, cfg); err != nil {
		logError("Failed to get cluster credentials: %v", err)
		os.Exit(1)
	}

	if !cfg.SkipBuild {
		if err := buildAndPushImage(ctx, cfg); err != nil {
			logError("Failed to build and push image: %v", err)
			os.Exit(1)
		}
	}

	if !cfg.SkipSecrets {
		if err := createSecrets(ctx, cfg); err != nil {
			logError("Failed to create secrets: %v", err)
			os.Exit(1)
		}
	}

	if !cfg.SkipDeploy {
		if err := deployToKubernetes(ctx, cfg); err != nil {
			logError("Failed to deploy to Kubernetes: %v", err)
			os.Exit(1)
		}

		if err := waitForRollout(ctx, cfg); err != nil {
			logError("Rollout failed: %v", err)
			os.Exit(1)
		}

		if err := verifyDeployment(ctx, cfg); err != nil {
			logError("Deployment verification failed: %v", err)
			os.Exit(1)
		}

		if !cfg.SkipTests {
			if err := runSmokeTests(ctx, cfg); err != nil {
				logError("Smoke tests failed: %v", err)
				os.Exit(1)
			}
		}
	}

	logInfo("Deployment completed successfully!")
}

func checkPrerequisites() error {
	logInfo("Checking prerequisites...")

	for _, name := range []string{"gcloud", "kubectl", "docker"} {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found. Please install it first", name)
		}
	}

	logInfo("Prerequisites check passed")
	return nil
}

func authenticateGCP(ctx context.Context, cfg *Config) error {
	logInfo("Authenticating to Google Cloud...")

	if err := runCommand(ctx, "gcloud", "config", "set", "project", cfg.ProjectID); err != nil {
		return err
	}

	return runCommand(ctx, "gcloud", "auth", "configure-docker", cfg.Registry)
}

func getClusterCredentials(ctx context.Context, cfg *Config) error {
	logInfo("Getting GKE credentials...")

	return runCommand(ctx, "gcloud", "container", "clusters", "get-credentials", cfg.Cluster,
		"--zone="+cfg.Zone,
		"--project="+cfg.ProjectID)
}

func buildAndPushImage(ctx context.Context, cfg *Config) error {
	logInfo("Building the runtime image...")

	tag := imageRef(cfg, cfg.ImageTag)
	latest := imageRef(cfg, "latest")

	if err := runCommand(ctx, "docker", "build",
		"--platform", "linux/amd64",
		"-t", tag,
		"-t", latest,
		"-f", cfg.Dockerfile,
		"."); err != nil {
		return err
	}

	logInfo("Pushing %s...", tag)

	if err := runCommand(ctx, "docker", "push", tag); err != nil {
		return err
	}
	if err := runCommand(ctx, "docker", "push", latest); err != nil {
		return err
	}

	logInfo("Runtime image pushed successfully")
	return nil
}

func createSecrets(ctx context.Context, cfg *Config) error {
	logInfo("Creating Kubernetes secrets...")

	cmd := exec.CommandContext(ctx, "kubectl", "get", "namespace", cfg.Namespace) // #nosec G204 -- namespace validated at startup
	if err := cmd.Run(); err != nil {
		logInfo("Creating namespace %s...", cfg.Namespace)
		if err := runCommand(ctx, "kubectl", "create", "namespace", cfg.Namespace); err != nil {
			return err
		}
	}

	if cfg.OpenAIKey == "" && cfg.GeminiKey == "" && cfg.AWSAccessKey == "" {
		logWarn("No API keys provided, skipping secret creation")
		return nil
	}

	secretName := "api-keys"
	if err := security.ValidateSecretName(secretName); err != nil {
		return fmt.Errorf("invalid secret name: %w", err)
	}

	// Recreate rather than patch so removed keys do not linger.
	cmd = exec.CommandContext(ctx, "kubectl", "delete", "secret", secretName, "-n", cfg.Namespace) // #nosec G204 -- inputs validated
	_ = cmd.Run()

	args := []string{"create", "secret", "generic", secretName, "-n", cfg.Namespace}

	if cfg.OpenAIKey != "" {
		args = append(args, "--from-literal=openai-api-key="+cfg.OpenAIKey)
	}
	if cfg.GeminiKey != "" {
		args = append(args, "--from-literal=gemini-api-key="+cfg.GeminiKey)
	}
	if cfg.AWSAccessKey != "" {
		args = append(args, "--from-literal=aws-access-key-id="+cfg.AWSAccessKey)
	}
	if cfg.AWSSecretKey != "" {
		args = append(args, "--from-literal=aws-secret-access-key="+cfg.AWSSecretKey)
	}

	if err := runCommand(ctx, "kubectl", args...); err != nil {
		return err
	}

	logInfo("Secrets created successfully")
	return nil
}

func deployToKubernetes(ctx context.Context, cfg *Config) error {
	logInfo("Deploying to Kubernetes using kustomize overlay: %s", cfg.Overlay)

	overlayPath := fmt.Sprintf("deploy/k8s/overlays/%s", cfg.Overlay)

	if _, err := os.Stat(overlayPath); os.IsNotExist(err) {
		return fmt.Errorf("kustomize overlay not found: %s", overlayPath)
	}

	if err := updateKustomizeImage(ctx, cfg, overlayPath); err != nil {
		return err
	}

	return runCommand(ctx, "kubectl", "apply", "-k", overlayPath)
}

func updateKustomizeImage(ctx context.Context, cfg *Config, overlayPath string) error {
	logInfo("Updating image tag in kustomization...")

	transform := fmt.Sprintf("REGION-docker.pkg.dev/PROJECT_ID/drover/runtime=%s", imageRef(cfg, cfg.ImageTag))

	originalDir, err := os.Getwd()
	if err != nil {
		return err
	}
	defer func() { _ = os.Chdir(originalDir) }()

	if err := os.Chdir(overlayPath); err != nil {
		return err
	}

	if err := runCommand(ctx, "kustomize", "edit", "set", "image", transform); err != nil {
		logWarn("kustomize edit failed, image tag may need manual update")
	}

	return os.Chdir(originalDir)
}

func waitForRollout(ctx context.Context, cfg *Config) error {
	logInfo("Waiting for rollout to complete...")

	deployment := "drover"
	if cfg.Environment == "staging" {
		deployment = "staging-drover"
	}

	logInfo("Waiting for %s rollout...", deployment)
	if err := runCommand(ctx, "kubectl", "rollout", "status", "deployment/"+deployment,
		"-n", cfg.Namespace, "--timeout=5m"); err != nil {
		return err
	}

	logInfo("Rollout completed successfully")
	return nil
}

func verifyDeployment(ctx context.Context, cfg *Config) error {
	logInfo("Verifying deployment...")

	logInfo("Pods status:")
	if err := runCommand(ctx, "kubectl", "get", "pods", "-n", cfg.Namespace); err != nil {
		return err
	}

	logInfo("Services:")
	if err := runCommand(ctx, "kubectl", "get", "services", "-n", cfg.Namespace); err != nil {
		return err
	}

	logInfo("Deployment verified successfully")
	return nil
}

func runSmokeTests(ctx context.Context, cfg *Config) error {
	logInfo("Running smoke tests...")

	serviceName := "drover"
	if err := security.ValidateServiceName(serviceName); err != nil {
		return fmt.Errorf("invalid service name: %w", err)
	}

	portForwardCmd := exec.CommandContext(ctx, "kubectl", "port-forward", // #nosec G204 -- inputs validated
		"-n", cfg.Namespace,
		"svc/"+serviceName, "8080:8080")

	if err := portForwardCmd.Start(); err != nil {
		return fmt.Errorf("failed to start port forward: %v", err)
	}
	defer func() { _ = portForwardCmd.Process.Kill() }()

	// Give the port forward a moment to bind.
	time.Sleep(5 * time.Second)

	endpoints := []string{
		"http://localhost:8080/health/live",
		"http://localhost:8080/health/ready",
	}

	for _, endpoint := range endpoints {
		logInfo("Testing endpoint: %s", endpoint)
		cmd := exec.CommandContext(ctx, "curl", "-f", endpoint) // #nosec G204 -- hardcoded localhost URLs
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("health check failed for %s", endpoint)
		}
	}

	logInfo("Smoke tests passed!")
	return nil
}

func imageRef(cfg *Config, tag string) string {
	return fmt.Sprintf("%s/%s/drover/runtime:%s", cfg.Registry, cfg.ProjectID, tag)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
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
