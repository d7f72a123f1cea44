// Package orchestrator is the boundary to the platform that runs tenant
// workloads. Every method performs exactly one external side effect and
// returns nil or a *Failure; sequencing belongs to the caller.
package orchestrator

import (
	"context"
	"time"

	"github.com/mbd888/tenantfleet/internal/limits"
)

// Operation names, used for metrics, tracing, timeouts and the call log.
const (
	OpCreateApp           = "create_app"
	OpAttachStorage       = "attach_storage"
	OpSetEnv              = "set_env"
	OpCreateManagedDB     = "create_managed_db"
	OpLinkDB              = "link_db"
	OpCreateManagedCache  = "create_managed_cache"
	OpLinkCache           = "link_cache"
	OpSetDomains          = "set_domains"
	OpDeployImage         = "deploy_image"
	OpStart               = "start"
	OpStop                = "stop"
	OpRestart             = "restart"
	OpDestroyApp          = "destroy_app"
	OpDestroyStorage      = "destroy_storage"
	OpDestroyManagedDB    = "destroy_managed_db"
	OpDestroyManagedCache = "destroy_managed_cache"
	OpRemoveDomains       = "remove_domains"
	OpDescribeService     = "describe_service"
	OpCheckHealth         = "check_health"
	OpExportData          = "export_data"
	OpPing                = "ping"
)

// AppSpec describes the application resource of an instance.
type AppSpec struct {
	Name   string
	Owner  string // instance ID; recorded on the resource
	Limits limits.ResourceLimits
}

// StorageSpec describes the persistent volume attached to an app.
type StorageSpec struct {
	App    string
	Owner  string
	SizeGB int // zero leaves the size to the platform
}

// ServiceSpec describes a managed database or cache.
type ServiceSpec struct {
	Name   string
	App    string
	Owner  string
	Limits limits.ResourceLimits
}

// ConnInfo is how an app reaches a managed service. URL carries
// credentials and is never persisted by callers.
type ConnInfo struct {
	Host string
	Port int
	URL  string
}

// HealthReport is the outcome of probing a deployed app.
type HealthReport struct {
	Healthy   bool
	Detail    string
	CheckedAt time.Time
}

// ServiceKind selects the managed service family for DescribeService.
type ServiceKind string

const (
	ServiceDB    ServiceKind = "db"
	ServiceCache ServiceKind = "cache"
)

// Client drives the orchestration platform. Create calls are idempotent
// for resources already owned by the same owner; destroy calls succeed
// when the resource is already gone.
type Client interface {
	CreateApp(ctx context.Context, spec AppSpec) error
	AttachStorage(ctx context.Context, spec StorageSpec) error
	SetEnv(ctx context.Context, app string, env map[string]string) error
	CreateManagedDB(ctx context.Context, spec ServiceSpec) (ConnInfo, error)
	LinkDB(ctx context.Context, app, dbService string) error
	CreateManagedCache(ctx context.Context, spec ServiceSpec) (ConnInfo, error)
	LinkCache(ctx context.Context, app, cacheService string) error
	SetDomains(ctx context.Context, app string, hosts []string) error
	DeployImage(ctx context.Context, app, image string) error
	Start(ctx context.Context, app string) error
	Stop(ctx context.Context, app string) error
	Restart(ctx context.Context, app string) error
	DestroyApp(ctx context.Context, app string) error

	DestroyStorage(ctx context.Context, app string) error
	DestroyManagedDB(ctx context.Context, name string) error
	DestroyManagedCache(ctx context.Context, name string) error
	RemoveDomains(ctx context.Context, app string) error

	DescribeService(ctx context.Context, kind ServiceKind, name string) (ConnInfo, error)
	CheckHealth(ctx context.Context, app string) (HealthReport, error)
	// ExportData snapshots the app's database and returns a reference to
	// the backup.
	ExportData(ctx context.Context, app, dbService string) (string, error)
	Ping(ctx context.Context) error
}
