// Package naming implements the deterministic mapping from
// (tenant, project, service, env, version) to container names, image
// names, domains, and ports (C1 in the design).
package naming

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const rootDomain = "shiplane.app"

var (
	nonSlugChars      = regexp.MustCompile(`[^a-z0-9-]+`)
	slugDashRun       = regexp.MustCompile(`-+`)
	nonContainerChars = regexp.MustCompile(`[^a-z0-9_]+`)
	containerRun      = regexp.MustCompile(`_+`)
)

// containerPorts is the fixed container-port table from spec.md §4.1.
var containerPorts = map[string]int{
	"webservice": 8000,
	"worker":     8000,
	"schedule":   8000,
	"redis":      6379,
	"postgres":   5432,
	"mysql":      3306,
	"mongodb":    27017,
}

var statefulTypes = map[string]bool{
	"redis":    true,
	"postgres": true,
	"mysql":    true,
	"mongodb":  true,
}

// IsStateful reports whether a service_type is a stateful dependency
// (redis/postgres/mysql/mongodb) rather than a stateless compute service.
func IsStateful(serviceType string) bool {
	return statefulTypes[strings.ToLower(serviceType)]
}

// IsWebservice reports whether a service_type fronts nginx and DNS.
func IsWebservice(serviceType string) bool {
	return strings.ToLower(serviceType) == "webservice"
}

// Slug lower-cases, replaces non [a-z0-9-] runs with a single '-', and
// trims leading/trailing '-'.
func Slug(s string) string {
	s = strings.ToLower(s)
	s = nonSlugChars.ReplaceAllString(s, "-")
	s = slugDashRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// underscoreSlug is Slug's counterpart for Docker container names, which
// allow underscores but not hyphens.
func underscoreSlug(s string) string {
	s = strings.ToLower(s)
	s = nonContainerChars.ReplaceAllString(s, "_")
	s = containerRun.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// user6 returns the first 6 characters of tenantID, or tenantID verbatim
// if it is shorter than 6 characters.
func user6(tenantID string) string {
	r := []rune(tenantID)
	if len(r) <= 6 {
		return tenantID
	}
	return string(r[:6])
}

// Domain returns the public domain a webservice deployment is reachable at.
func Domain(tenantID, project, service, env string) string {
	return fmt.Sprintf("%s-%s-%s-%s.%s",
		Slug(user6(tenantID)), Slug(project), Slug(service), Slug(env), rootDomain)
}

// ContainerName returns the Docker container name for one versioned
// deployment of a service.
func ContainerName(tenantID, project, service, env string, version int) string {
	raw := fmt.Sprintf("%s_%s_%s_%s_v%d", user6(tenantID), project, service, env, version)
	return underscoreSlug(raw)
}

// ImageName returns the image tag for one versioned deployment.
func ImageName(tenantID, project, service, env string, version int) string {
	return fmt.Sprintf("%s-%s-%s-%s-v%d",
		Slug(user6(tenantID)), Slug(project), Slug(service), Slug(env), version)
}

// ImageBaseName is ImageName without the version suffix, used to scope
// cleanup_images' prefix match.
func ImageBaseName(tenantID, project, service, env string) string {
	return fmt.Sprintf("%s-%s-%s-%s", Slug(user6(tenantID)), Slug(project), Slug(service), Slug(env))
}

// VPCName returns the VPC naming convention for a tenant/region pair.
func VPCName(tenantID, region string) string {
	return fmt.Sprintf("%s_%s", user6(tenantID), region)
}

// ContainerPort returns the fixed in-container port for a service type,
// defaulting to the webservice port (8000) for unknown types.
func ContainerPort(serviceType string) int {
	if p, ok := containerPorts[strings.ToLower(serviceType)]; ok {
		return p
	}
	return 8000
}

// HostPort deterministically allocates the node-side port a container is
// bound to. Stateful services hash a version-independent key so the port
// survives redeploys; stateless services include the version so blue/green
// deploys can run old and new side by side.
func HostPort(tenantID, project, service, env string, version int, serviceType string) int {
	var key string
	if IsStateful(serviceType) {
		key = fmt.Sprintf("%s:%s:%s:%s", tenantID, project, service, env)
	} else {
		key = fmt.Sprintf("%s:%s:%s:%s:v%d", tenantID, project, service, env, version)
	}

	sum := md5.Sum([]byte(key))
	h := new(big.Int).SetBytes(sum[:])
	mod := new(big.Int).SetInt64(50000)
	rem := new(big.Int).Mod(h, mod)
	return 10000 + int(rem.Int64())
}

// baseEnvVarName maps a stateful service_type to the prefix used when
// naming its injected connection-URL environment variable.
func baseEnvVarName(serviceType string) string {
	switch strings.ToLower(serviceType) {
	case "redis":
		return "REDIS"
	case "postgres", "mysql":
		return "DATABASE"
	case "mongodb":
		return "MONGODB"
	default:
		return strings.ToUpper(serviceType)
	}
}

// EnvVarName returns the injection key for a stateful sibling service:
// "{BASE}_URL" when the service is the type's default instance (its name
// equals its type), else "{BASE}_{SUFFIX}_URL" where SUFFIX strips a
// leading "type-"/"type_" prefix from the service name.
func EnvVarName(serviceType, serviceName string) string {
	base := baseEnvVarName(serviceType)

	if strings.EqualFold(serviceName, serviceType) {
		return base + "_URL"
	}

	suffix := serviceName
	typeLower := strings.ToLower(serviceType)
	nameLower := strings.ToLower(serviceName)
	if strings.HasPrefix(nameLower, typeLower+"-") || strings.HasPrefix(nameLower, typeLower+"_") {
		suffix = serviceName[len(serviceType)+1:]
	}

	suffix = strings.ToUpper(strings.ReplaceAll(suffix, "-", "_"))
	return fmt.Sprintf("%s_%s_URL", base, suffix)
}

// BuildURL renders the connection string for a stateful service type.
func BuildURL(serviceType, host string, port int, serviceName string) string {
	switch strings.ToLower(serviceType) {
	case "redis":
		return fmt.Sprintf("redis://%s:%d/0", host, port)
	case "postgres":
		return fmt.Sprintf("postgresql://postgres:postgres@%s:%d/%s", host, port, serviceName)
	case "mysql":
		return fmt.Sprintf("mysql://root:root@%s:%d/%s", host, port, serviceName)
	case "mongodb":
		return fmt.Sprintf("mongodb://%s:%d/%s", host, port, serviceName)
	default:
		return fmt.Sprintf("%s://%s:%d", serviceType, host, port)
	}
}

// ParseEnvVariables parses a ["KEY=value", ...] list into a map, as sent to
// and from the node agent's start_container payload.
func ParseEnvVariables(list []string) map[string]string {
	out := make(map[string]string, len(list))
	for _, item := range list {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// FormatEnvVariables renders a map back into ["KEY=value", ...] form,
// sorted by key for deterministic output.
func FormatEnvVariables(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)

	out := make([]string, 0, len(m))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

var adjectives = []string{"swift", "bright", "calm", "bold", "keen", "wise", "fair", "warm", "cool", "fresh"}
var animals = []string{"falcon", "tiger", "eagle", "wolf", "hawk", "lion", "bear", "fox", "elk", "owl"}

// RandomNodeLabel returns an operator-facing display label for a freshly
// provisioned node ("swift-falcon-142"-style), distinct from the
// deterministic names above which are never random. rnd must be in
// [0, 10*10*900) and is supplied by the caller (e.g. from crypto/rand) so
// this function stays pure and testable.
func RandomNodeLabel(rnd int) string {
	adj := adjectives[rnd%len(adjectives)]
	rnd /= len(adjectives)
	animal := animals[rnd%len(animals)]
	rnd /= len(animals)
	num := 100 + rnd%900
	return fmt.Sprintf("%s-%s-%03d", adj, animal, num)
}
