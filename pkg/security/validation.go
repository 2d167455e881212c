package security

import (
	"fmt"
	"regexp"
)

// Deployment inputs end up interpolated into gcloud, docker, and kubectl
// command lines. Each rule pins one parameter to the provider's documented
// character set so a crafted flag value cannot carry shell metacharacters
// into a subprocess.

type inputRule struct {
	label   string
	min     int
	max     int
	pattern *regexp.Regexp
}

func (r inputRule) check(value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", r.label)
	}
	if len(value) < r.min || len(value) > r.max {
		return fmt.Errorf("%s must be %d to %d characters, got %d", r.label, r.min, r.max, len(value))
	}
	if !r.pattern.MatchString(value) {
		return fmt.Errorf("%s %q does not match %s", r.label, value, r.pattern)
	}
	return nil
}

var (
	projectIDRule   = inputRule{"project ID", 6, 30, regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)}
	regionRule      = inputRule{"region", 2, 63, regexp.MustCompile(`^[a-z][a-z0-9-]*$`)}
	serviceRule     = inputRule{"service name", 2, 63, regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)}
	repositoryRule  = inputRule{"repository name", 1, 63, regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)}
	imageRule       = inputRule{"image name", 1, 256, regexp.MustCompile(`^[a-z0-9][a-z0-9_/-]*$`)}
	environmentRule = inputRule{"environment", 1, 32, regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)}

	// Kubernetes object names: namespaces are RFC 1123 labels, secret
	// names are RFC 1123 subdomains (dots allowed, 253 byte cap).
	namespaceRule = inputRule{"namespace", 1, 63, regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)}
	secretRule    = inputRule{"secret name", 1, 253, regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?$`)}
)

// ValidateProjectID accepts GCP project IDs such as "my-project-123".
func ValidateProjectID(projectID string) error { return projectIDRule.check(projectID) }

// ValidateRegion accepts GCP region and zone names such as "us-central1".
func ValidateRegion(region string) error { return regionRule.check(region) }

// ValidateServiceName accepts Cloud Run and Kubernetes service names.
func ValidateServiceName(serviceName string) error { return serviceRule.check(serviceName) }

// ValidateRepositoryName accepts Artifact Registry repository names.
func ValidateRepositoryName(repoName string) error { return repositoryRule.check(repoName) }

// ValidateImageName accepts container image names, including slash-separated
// registry paths.
func ValidateImageName(imageName string) error { return imageRule.check(imageName) }

// ValidateEnvironment accepts environment names such as "staging".
func ValidateEnvironment(env string) error { return environmentRule.check(env) }

// ValidateNamespace accepts Kubernetes namespace names.
func ValidateNamespace(namespace string) error { return namespaceRule.check(namespace) }

// ValidateSecretName accepts Kubernetes secret names.
func ValidateSecretName(secretName string) error { return secretRule.check(secretName) }

// ValidateDeploymentInputs checks every parameter a deploy run passes to
// subprocesses and returns the first failure. The rule errors name the
// offending parameter, so callers report them verbatim.
func ValidateDeploymentInputs(projectID, region, serviceName, repoName, imageName, environment string) error {
	checks := []error{
		ValidateProjectID(projectID),
		ValidateRegion(region),
		ValidateServiceName(serviceName),
		ValidateRepositoryName(repoName),
		ValidateImageName(imageName),
		ValidateEnvironment(environment),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}
