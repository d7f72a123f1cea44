// Package kube implements orchestrator.Client on Kubernetes.
//
// An app is a Deployment plus a Service of the same name; storage is a
// PersistentVolumeClaim; env is a Secret mounted with envFrom; managed
// databases and caches are single-replica Deployments with a Service;
// domains are an Ingress. Every object carries the owning instance ID in
// the LabelInstance label.
package kube

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	kubeapps "k8s.io/api/apps/v1"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubenet "k8s.io/api/networking/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kuberesource "k8s.io/apimachinery/pkg/api/resource"
	kubemeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/orchestrator"
)

// Labels and annotations written on every managed object.
const (
	LabelManagedBy  = "app.kubernetes.io/managed-by"
	LabelInstance   = "tenantfleet.io/instance"
	LabelApp        = "tenantfleet.io/app"
	LabelComponent  = "tenantfleet.io/component"
	AnnotationDB    = "tenantfleet.io/db"
	AnnotationCache = "tenantfleet.io/cache"

	annotationRestartedAt = "kubectl.kubernetes.io/restartedAt"

	managedBy = "tenantfleet"
	appPort   = 8080
	dbPort    = 5432
	cachePort = 6379

	cleanupTimeout = 30 * time.Second
)

// Config configures the Kubernetes backend.
type Config struct {
	Namespace     string
	ClusterDomain string // defaults to "cluster.local"
	AppImage      string // placeholder image before the first deploy
	DatabaseImage string
	CacheImage    string
	StorageClass  string // empty uses the cluster default
	StorageGB     int    // claim size for specs without one, defaults to 10
	IngressClass  string // empty uses the cluster default
	TLSSecret     string // wildcard certificate secret for ingress, optional
}

// Platform talks to a Kubernetes API server.
type Platform struct {
	client kubernetes.Interface
	cfg    Config
}

var _ orchestrator.Client = (*Platform)(nil)

// New returns a Platform using client.
func New(client kubernetes.Interface, cfg Config) *Platform {
	if cfg.ClusterDomain == "" {
		cfg.ClusterDomain = "cluster.local"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.StorageGB <= 0 {
		cfg.StorageGB = 10
	}
	return &Platform{client: client, cfg: cfg}
}

// Connect builds a clientset from kubeconfig, or from the in-cluster
// service account when kubeconfig is empty.
func Connect(kubeconfig string) (kubernetes.Interface, error) {
	var (
		config *rest.Config
		err    error
	)
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kube: load config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("kube: new clientset: %w", err)
	}
	return clientset, nil
}

func (p *Platform) labels(owner, app, component string) map[string]string {
	return map[string]string{
		LabelManagedBy: managedBy,
		LabelInstance:  owner,
		LabelApp:       app,
		LabelComponent: component,
	}
}

func (p *Platform) meta(name, owner, app, component string) kubemeta.ObjectMeta {
	return kubemeta.ObjectMeta{
		Name:      name,
		Namespace: p.cfg.Namespace,
		Labels:    p.labels(owner, app, component),
	}
}

// checkOwner turns an AlreadyExists on create into success when the
// existing object belongs to owner.
func checkOwner(op, name, owner string, existing kubemeta.Object) error {
	if got := existing.GetLabels()[LabelInstance]; got != owner {
		return orchestrator.AlreadyExists(op, name, got)
	}
	return nil
}

// cleanup holds deletes for the objects one call has written. A call that
// fails part way removes them again: the step is only checkpointed once the
// whole call succeeds, so rollback would never learn about them.
type cleanup []func(context.Context) error

func (c *cleanup) add(del func(context.Context) error) { *c = append(*c, del) }

// onError runs the deletes newest first when err is set. It detaches from
// ctx so that a cancelled or timed-out call is still cleaned up.
func (c cleanup) onError(ctx context.Context, err error) {
	if err == nil || len(c) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	for i := len(c) - 1; i >= 0; i-- {
		_ = c[i](ctx)
	}
}

func (p *Platform) deleteDeployment(name string) func(context.Context) error {
	return func(ctx context.Context) error {
		return p.client.AppsV1().Deployments(p.cfg.Namespace).Delete(ctx, name, kubemeta.DeleteOptions{})
	}
}

func (p *Platform) deleteClaim(name string) func(context.Context) error {
	return func(ctx context.Context) error {
		return p.client.CoreV1().PersistentVolumeClaims(p.cfg.Namespace).Delete(ctx, name, kubemeta.DeleteOptions{})
	}
}

func (p *Platform) deleteSecret(name string) func(context.Context) error {
	return func(ctx context.Context) error {
		return p.client.CoreV1().Secrets(p.cfg.Namespace).Delete(ctx, name, kubemeta.DeleteOptions{})
	}
}

// --- app ---

func (p *Platform) CreateApp(ctx context.Context, spec orchestrator.AppSpec) (err error) {
	const op = orchestrator.OpCreateApp
	zero := int32(0)
	depl := &kubeapps.Deployment{
		ObjectMeta: p.meta(spec.Name, spec.Owner, spec.Name, "app"),
		Spec: kubeapps.DeploymentSpec{
			Replicas: &zero,
			Selector: &kubemeta.LabelSelector{MatchLabels: map[string]string{LabelApp: spec.Name, LabelComponent: "app"}},
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubemeta.ObjectMeta{Labels: p.labels(spec.Owner, spec.Name, "app")},
				Spec: kubecore.PodSpec{
					Containers: []kubecore.Container{{
						Name:      "app",
						Image:     p.cfg.AppImage,
						Ports:     []kubecore.ContainerPort{{Name: "http", ContainerPort: appPort}},
						Resources: resourcesFor(spec.Limits),
						ReadinessProbe: &kubecore.Probe{
							ProbeHandler: kubecore.ProbeHandler{
								HTTPGet: &kubecore.HTTPGetAction{Path: "/health", Port: intstr.FromInt32(appPort)},
							},
						},
					}},
				},
			},
		},
	}
	var made cleanup
	defer func() { made.onError(ctx, err) }()

	if err := p.createDeployment(ctx, op, depl, spec.Owner); err != nil {
		return err
	}
	made.add(p.deleteDeployment(spec.Name))
	return p.createService(ctx, op, spec.Name, spec.Owner, spec.Name, "app", 80, appPort)
}

func resourcesFor(l limits.ResourceLimits) kubecore.ResourceRequirements {
	rl := kubecore.ResourceList{}
	if l.MemoryMB > 0 {
		rl[kubecore.ResourceMemory] = kuberesource.MustParse(fmt.Sprintf("%dMi", l.MemoryMB))
	}
	if l.CPUCores > 0 {
		rl[kubecore.ResourceCPU] = *kuberesource.NewMilliQuantity(int64(l.CPUCores*1000), kuberesource.DecimalSI)
	}
	return kubecore.ResourceRequirements{Limits: rl, Requests: rl}
}

func (p *Platform) createDeployment(ctx context.Context, op string, depl *kubeapps.Deployment, owner string) error {
	_, err := p.client.AppsV1().Deployments(p.cfg.Namespace).Create(ctx, depl, kubemeta.CreateOptions{})
	if kubeerr.IsAlreadyExists(err) {
		existing, gerr := p.client.AppsV1().Deployments(p.cfg.Namespace).Get(ctx, depl.Name, kubemeta.GetOptions{})
		if gerr != nil {
			return classify(op, gerr)
		}
		return checkOwner(op, depl.Name, owner, existing)
	}
	return classify(op, err)
}

func (p *Platform) createService(ctx context.Context, op, name, owner, app, component string, port, target int32) error {
	svc := &kubecore.Service{
		ObjectMeta: p.meta(name, owner, app, component),
		Spec: kubecore.ServiceSpec{
			Selector: map[string]string{LabelApp: app, LabelComponent: component},
			Ports: []kubecore.ServicePort{{
				Name:       component,
				Port:       port,
				TargetPort: intstr.FromInt32(target),
			}},
		},
	}
	_, err := p.client.CoreV1().Services(p.cfg.Namespace).Create(ctx, svc, kubemeta.CreateOptions{})
	if kubeerr.IsAlreadyExists(err) {
		existing, gerr := p.client.CoreV1().Services(p.cfg.Namespace).Get(ctx, name, kubemeta.GetOptions{})
		if gerr != nil {
			return classify(op, gerr)
		}
		return checkOwner(op, name, owner, existing)
	}
	return classify(op, err)
}

// updateDeployment applies mutate to the current app Deployment.
func (p *Platform) updateDeployment(ctx context.Context, op, name string, mutate func(*kubeapps.Deployment)) error {
	depl, err := p.client.AppsV1().Deployments(p.cfg.Namespace).Get(ctx, name, kubemeta.GetOptions{})
	if err != nil {
		return classify(op, err)
	}
	mutate(depl)
	_, err = p.client.AppsV1().Deployments(p.cfg.Namespace).Update(ctx, depl, kubemeta.UpdateOptions{})
	return classify(op, err)
}

func storageName(app string) string { return app + "-data" }
func envSecretName(app string) string { return app + "-env" }

func (p *Platform) AttachStorage(ctx context.Context, spec orchestrator.StorageSpec) (err error) {
	const op = orchestrator.OpAttachStorage
	if _, err := p.client.AppsV1().Deployments(p.cfg.Namespace).Get(ctx, spec.App, kubemeta.GetOptions{}); err != nil {
		return classify(op, err)
	}

	name := storageName(spec.App)
	size := spec.SizeGB
	if size <= 0 {
		size = p.cfg.StorageGB
	}
	pvc := &kubecore.PersistentVolumeClaim{
		ObjectMeta: p.meta(name, spec.Owner, spec.App, "storage"),
		Spec: kubecore.PersistentVolumeClaimSpec{
			AccessModes: []kubecore.PersistentVolumeAccessMode{kubecore.ReadWriteOnce},
			Resources: kubecore.VolumeResourceRequirements{
				Requests: kubecore.ResourceList{
					kubecore.ResourceStorage: kuberesource.MustParse(fmt.Sprintf("%dGi", size)),
				},
			},
		},
	}
	if p.cfg.StorageClass != "" {
		sc := p.cfg.StorageClass
		pvc.Spec.StorageClassName = &sc
	}
	_, cerr := p.client.CoreV1().PersistentVolumeClaims(p.cfg.Namespace).Create(ctx, pvc, kubemeta.CreateOptions{})
	if kubeerr.IsAlreadyExists(cerr) {
		existing, gerr := p.client.CoreV1().PersistentVolumeClaims(p.cfg.Namespace).Get(ctx, name, kubemeta.GetOptions{})
		if gerr != nil {
			return classify(op, gerr)
		}
		if err := checkOwner(op, name, spec.Owner, existing); err != nil {
			return err
		}
	} else if cerr != nil {
		return classify(op, cerr)
	}

	var made cleanup
	defer func() { made.onError(ctx, err) }()
	made.add(p.deleteClaim(name))

	return p.updateDeployment(ctx, op, spec.App, func(d *kubeapps.Deployment) {
		pod := &d.Spec.Template.Spec
		for _, v := range pod.Volumes {
			if v.Name == "data" {
				return
			}
		}
		pod.Volumes = append(pod.Volumes, kubecore.Volume{
			Name: "data",
			VolumeSource: kubecore.VolumeSource{
				PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{ClaimName: name},
			},
		})
		for i := range pod.Containers {
			pod.Containers[i].VolumeMounts = append(pod.Containers[i].VolumeMounts, kubecore.VolumeMount{Name: "data", MountPath: "/data"})
		}
	})
}

func (p *Platform) SetEnv(ctx context.Context, app string, env map[string]string) error {
	const op = orchestrator.OpSetEnv
	depl, err := p.client.AppsV1().Deployments(p.cfg.Namespace).Get(ctx, app, kubemeta.GetOptions{})
	if err != nil {
		return classify(op, err)
	}
	owner := depl.Labels[LabelInstance]

	name := envSecretName(app)
	secrets := p.client.CoreV1().Secrets(p.cfg.Namespace)
	existing, err := secrets.Get(ctx, name, kubemeta.GetOptions{})
	switch {
	case kubeerr.IsNotFound(err):
		secret := &kubecore.Secret{ObjectMeta: p.meta(name, owner, app, "env"), StringData: env}
		if _, err := secrets.Create(ctx, secret, kubemeta.CreateOptions{}); err != nil {
			return classify(op, err)
		}
	case err != nil:
		return classify(op, err)
	default:
		if existing.Data == nil {
			existing.Data = map[string][]byte{}
		}
		for k, v := range env {
			existing.Data[k] = []byte(v)
		}
		if _, err := secrets.Update(ctx, existing, kubemeta.UpdateOptions{}); err != nil {
			return classify(op, err)
		}
	}

	return p.updateDeployment(ctx, op, app, func(d *kubeapps.Deployment) {
		for i := range d.Spec.Template.Spec.Containers {
			c := &d.Spec.Template.Spec.Containers[i]
			for _, src := range c.EnvFrom {
				if src.SecretRef != nil && src.SecretRef.Name == name {
					return
				}
			}
			c.EnvFrom = append(c.EnvFrom, kubecore.EnvFromSource{
				SecretRef: &kubecore.SecretEnvSource{LocalObjectReference: kubecore.LocalObjectReference{Name: name}},
			})
		}
	})
}

// --- managed services ---

func credentialsName(svc string) string { return svc + "-credentials" }

func (p *Platform) CreateManagedDB(ctx context.Context, spec orchestrator.ServiceSpec) (_ orchestrator.ConnInfo, err error) {
	const op = orchestrator.OpCreateManagedDB
	password, err := p.ensureCredentials(ctx, op, spec)
	if err != nil {
		return orchestrator.ConnInfo{}, err
	}
	var made cleanup
	defer func() { made.onError(ctx, err) }()
	made.add(p.deleteSecret(credentialsName(spec.Name)))

	depl := p.serviceDeployment(spec, "db", p.cfg.DatabaseImage, dbPort)
	depl.Spec.Template.Spec.Containers[0].Env = []kubecore.EnvVar{
		{Name: "POSTGRES_USER", Value: "app"},
		{Name: "POSTGRES_DB", Value: "app"},
		{Name: "POSTGRES_PASSWORD", ValueFrom: &kubecore.EnvVarSource{
			SecretKeyRef: &kubecore.SecretKeySelector{
				LocalObjectReference: kubecore.LocalObjectReference{Name: credentialsName(spec.Name)},
				Key:                  "password",
			},
		}},
	}
	if err := p.createDeployment(ctx, op, depl, spec.Owner); err != nil {
		return orchestrator.ConnInfo{}, err
	}
	made.add(p.deleteDeployment(spec.Name))
	if err := p.createService(ctx, op, spec.Name, spec.Owner, spec.App, "db", dbPort, dbPort); err != nil {
		return orchestrator.ConnInfo{}, err
	}
	return p.dbConn(spec.Name, password), nil
}

func (p *Platform) CreateManagedCache(ctx context.Context, spec orchestrator.ServiceSpec) (_ orchestrator.ConnInfo, err error) {
	const op = orchestrator.OpCreateManagedCache
	var made cleanup
	defer func() { made.onError(ctx, err) }()

	depl := p.serviceDeployment(spec, "cache", p.cfg.CacheImage, cachePort)
	if err := p.createDeployment(ctx, op, depl, spec.Owner); err != nil {
		return orchestrator.ConnInfo{}, err
	}
	made.add(p.deleteDeployment(spec.Name))
	if err := p.createService(ctx, op, spec.Name, spec.Owner, spec.App, "cache", cachePort, cachePort); err != nil {
		return orchestrator.ConnInfo{}, err
	}
	return p.cacheConn(spec.Name), nil
}

func (p *Platform) serviceDeployment(spec orchestrator.ServiceSpec, component, image string, port int32) *kubeapps.Deployment {
	one := int32(1)
	return &kubeapps.Deployment{
		ObjectMeta: p.meta(spec.Name, spec.Owner, spec.App, component),
		Spec: kubeapps.DeploymentSpec{
			Replicas: &one,
			Selector: &kubemeta.LabelSelector{MatchLabels: map[string]string{LabelApp: spec.App, LabelComponent: component}},
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubemeta.ObjectMeta{Labels: p.labels(spec.Owner, spec.App, component)},
				Spec: kubecore.PodSpec{
					Containers: []kubecore.Container{{
						Name:  component,
						Image: image,
						Ports: []kubecore.ContainerPort{{Name: component, ContainerPort: port}},
					}},
				},
			},
		},
	}
}

// ensureCredentials returns the database password, creating its Secret on
// first use. A retried create reuses the stored password.
func (p *Platform) ensureCredentials(ctx context.Context, op string, spec orchestrator.ServiceSpec) (string, error) {
	secrets := p.client.CoreV1().Secrets(p.cfg.Namespace)
	name := credentialsName(spec.Name)

	existing, err := secrets.Get(ctx, name, kubemeta.GetOptions{})
	if err == nil {
		if err := checkOwner(op, name, spec.Owner, existing); err != nil {
			return "", err
		}
		return secretValue(existing, "password"), nil
	}
	if !kubeerr.IsNotFound(err) {
		return "", classify(op, err)
	}

	password, err := randomPassword()
	if err != nil {
		return "", orchestrator.Retryable(op, orchestrator.CodeInternalFailure, err)
	}
	secret := &kubecore.Secret{
		ObjectMeta: p.meta(name, spec.Owner, spec.App, "db"),
		StringData: map[string]string{"password": password},
	}
	if _, err := secrets.Create(ctx, secret, kubemeta.CreateOptions{}); err != nil {
		return "", classify(op, err)
	}
	return password, nil
}

func secretValue(s *kubecore.Secret, key string) string {
	if v, ok := s.Data[key]; ok {
		return string(v)
	}
	return s.StringData[key]
}

func randomPassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (p *Platform) host(svc string) string {
	return fmt.Sprintf("%s.%s.svc.%s", svc, p.cfg.Namespace, p.cfg.ClusterDomain)
}

func (p *Platform) dbConn(name, password string) orchestrator.ConnInfo {
	h := p.host(name)
	return orchestrator.ConnInfo{
		Host: h,
		Port: dbPort,
		URL:  fmt.Sprintf("postgres://app:%s@%s:%d/app?sslmode=disable", password, h, dbPort),
	}
}

func (p *Platform) cacheConn(name string) orchestrator.ConnInfo {
	h := p.host(name)
	return orchestrator.ConnInfo{Host: h, Port: cachePort, URL: fmt.Sprintf("redis://%s:%d/0", h, cachePort)}
}

func (p *Platform) link(ctx context.Context, op, app, svc, annotation string) error {
	if _, err := p.client.CoreV1().Services(p.cfg.Namespace).Get(ctx, svc, kubemeta.GetOptions{}); err != nil {
		return classify(op, err)
	}
	return p.updateDeployment(ctx, op, app, func(d *kubeapps.Deployment) {
		if d.Spec.Template.Annotations == nil {
			d.Spec.Template.Annotations = map[string]string{}
		}
		d.Spec.Template.Annotations[annotation] = svc
	})
}

func (p *Platform) LinkDB(ctx context.Context, app, dbService string) error {
	return p.link(ctx, orchestrator.OpLinkDB, app, dbService, AnnotationDB)
}

func (p *Platform) LinkCache(ctx context.Context, app, cacheService string) error {
	return p.link(ctx, orchestrator.OpLinkCache, app, cacheService, AnnotationCache)
}

func (p *Platform) DescribeService(ctx context.Context, kind orchestrator.ServiceKind, name string) (orchestrator.ConnInfo, error) {
	const op = orchestrator.OpDescribeService
	if _, err := p.client.CoreV1().Services(p.cfg.Namespace).Get(ctx, name, kubemeta.GetOptions{}); err != nil {
		return orchestrator.ConnInfo{}, classify(op, err)
	}
	if kind == orchestrator.ServiceCache {
		return p.cacheConn(name), nil
	}
	secret, err := p.client.CoreV1().Secrets(p.cfg.Namespace).Get(ctx, credentialsName(name), kubemeta.GetOptions{})
	if err != nil {
		return orchestrator.ConnInfo{}, classify(op, err)
	}
	return p.dbConn(name, secretValue(secret, "password")), nil
}

// --- domains ---

func (p *Platform) SetDomains(ctx context.Context, app string, hosts []string) error {
	const op = orchestrator.OpSetDomains
	depl, err := p.client.AppsV1().Deployments(p.cfg.Namespace).Get(ctx, app, kubemeta.GetOptions{})
	if err != nil {
		return classify(op, err)
	}
	owner := depl.Labels[LabelInstance]

	ingresses := p.client.NetworkingV1().Ingresses(p.cfg.Namespace)
	all, err := ingresses.List(ctx, kubemeta.ListOptions{})
	if err != nil {
		return classify(op, err)
	}
	wanted := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		wanted[h] = true
	}
	for _, ing := range all.Items {
		if ing.Name == app {
			continue
		}
		for _, rule := range ing.Spec.Rules {
			if wanted[rule.Host] {
				return orchestrator.AlreadyExists(op, rule.Host, ing.Labels[LabelInstance])
			}
		}
	}

	ing := p.ingressFor(app, owner, hosts)
	existing, err := ingresses.Get(ctx, app, kubemeta.GetOptions{})
	switch {
	case kubeerr.IsNotFound(err):
		_, err = ingresses.Create(ctx, ing, kubemeta.CreateOptions{})
		return classify(op, err)
	case err != nil:
		return classify(op, err)
	default:
		if err := checkOwner(op, app, owner, existing); err != nil {
			return err
		}
		existing.Spec = ing.Spec
		_, err = ingresses.Update(ctx, existing, kubemeta.UpdateOptions{})
		return classify(op, err)
	}
}

func (p *Platform) ingressFor(app, owner string, hosts []string) *kubenet.Ingress {
	prefix := kubenet.PathTypePrefix
	ing := &kubenet.Ingress{ObjectMeta: p.meta(app, owner, app, "ingress")}
	if p.cfg.IngressClass != "" {
		cls := p.cfg.IngressClass
		ing.Spec.IngressClassName = &cls
	}
	for _, h := range hosts {
		ing.Spec.Rules = append(ing.Spec.Rules, kubenet.IngressRule{
			Host: h,
			IngressRuleValue: kubenet.IngressRuleValue{
				HTTP: &kubenet.HTTPIngressRuleValue{
					Paths: []kubenet.HTTPIngressPath{{
						Path:     "/",
						PathType: &prefix,
						Backend: kubenet.IngressBackend{
							Service: &kubenet.IngressServiceBackend{
								Name: app,
								Port: kubenet.ServiceBackendPort{Number: 80},
							},
						},
					}},
				},
			},
		})
	}
	if p.cfg.TLSSecret != "" {
		ing.Spec.TLS = []kubenet.IngressTLS{{Hosts: hosts, SecretName: p.cfg.TLSSecret}}
	}
	return ing
}

func (p *Platform) RemoveDomains(ctx context.Context, app string) error {
	err := p.client.NetworkingV1().Ingresses(p.cfg.Namespace).Delete(ctx, app, kubemeta.DeleteOptions{})
	return ignoreNotFound(orchestrator.OpRemoveDomains, err)
}

// --- run state ---

func (p *Platform) DeployImage(ctx context.Context, app, image string) error {
	return p.updateDeployment(ctx, orchestrator.OpDeployImage, app, func(d *kubeapps.Deployment) {
		one := int32(1)
		d.Spec.Replicas = &one
		for i := range d.Spec.Template.Spec.Containers {
			if d.Spec.Template.Spec.Containers[i].Name == "app" {
				d.Spec.Template.Spec.Containers[i].Image = image
			}
		}
	})
}

func (p *Platform) scale(ctx context.Context, op, app string, replicas int32) error {
	return p.updateDeployment(ctx, op, app, func(d *kubeapps.Deployment) {
		d.Spec.Replicas = &replicas
	})
}

func (p *Platform) Start(ctx context.Context, app string) error {
	return p.scale(ctx, orchestrator.OpStart, app, 1)
}

func (p *Platform) Stop(ctx context.Context, app string) error {
	return p.scale(ctx, orchestrator.OpStop, app, 0)
}

func (p *Platform) Restart(ctx context.Context, app string) error {
	return p.updateDeployment(ctx, orchestrator.OpRestart, app, func(d *kubeapps.Deployment) {
		if d.Spec.Template.Annotations == nil {
			d.Spec.Template.Annotations = map[string]string{}
		}
		d.Spec.Template.Annotations[annotationRestartedAt] = time.Now().UTC().Format(time.RFC3339)
		if d.Spec.Replicas == nil || *d.Spec.Replicas == 0 {
			one := int32(1)
			d.Spec.Replicas = &one
		}
	})
}

func (p *Platform) CheckHealth(ctx context.Context, app string) (orchestrator.HealthReport, error) {
	depl, err := p.client.AppsV1().Deployments(p.cfg.Namespace).Get(ctx, app, kubemeta.GetOptions{})
	if err != nil {
		return orchestrator.HealthReport{}, classify(orchestrator.OpCheckHealth, err)
	}
	report := orchestrator.HealthReport{CheckedAt: time.Now().UTC()}
	want := int32(1)
	if depl.Spec.Replicas != nil {
		want = *depl.Spec.Replicas
	}
	switch {
	case want == 0:
		report.Detail = "scaled to zero"
	case depl.Status.ReadyReplicas < want:
		report.Detail = fmt.Sprintf("%d/%d replicas ready", depl.Status.ReadyReplicas, want)
	default:
		report.Healthy = true
		report.Detail = "ok"
	}
	return report, nil
}

// --- destruction ---

func (p *Platform) DestroyApp(ctx context.Context, app string) error {
	const op = orchestrator.OpDestroyApp
	if err := ignoreNotFound(op, p.client.AppsV1().Deployments(p.cfg.Namespace).Delete(ctx, app, kubemeta.DeleteOptions{})); err != nil {
		return err
	}
	if err := ignoreNotFound(op, p.client.CoreV1().Services(p.cfg.Namespace).Delete(ctx, app, kubemeta.DeleteOptions{})); err != nil {
		return err
	}
	return ignoreNotFound(op, p.client.CoreV1().Secrets(p.cfg.Namespace).Delete(ctx, envSecretName(app), kubemeta.DeleteOptions{}))
}

func (p *Platform) DestroyStorage(ctx context.Context, app string) error {
	err := p.client.CoreV1().PersistentVolumeClaims(p.cfg.Namespace).Delete(ctx, storageName(app), kubemeta.DeleteOptions{})
	return ignoreNotFound(orchestrator.OpDestroyStorage, err)
}

func (p *Platform) destroyService(ctx context.Context, op, name string, withCredentials bool) error {
	if err := ignoreNotFound(op, p.client.AppsV1().Deployments(p.cfg.Namespace).Delete(ctx, name, kubemeta.DeleteOptions{})); err != nil {
		return err
	}
	if err := ignoreNotFound(op, p.client.CoreV1().Services(p.cfg.Namespace).Delete(ctx, name, kubemeta.DeleteOptions{})); err != nil {
		return err
	}
	if !withCredentials {
		return nil
	}
	return ignoreNotFound(op, p.client.CoreV1().Secrets(p.cfg.Namespace).Delete(ctx, credentialsName(name), kubemeta.DeleteOptions{}))
}

func (p *Platform) DestroyManagedDB(ctx context.Context, name string) error {
	return p.destroyService(ctx, orchestrator.OpDestroyManagedDB, name, true)
}

func (p *Platform) DestroyManagedCache(ctx context.Context, name string) error {
	return p.destroyService(ctx, orchestrator.OpDestroyManagedCache, name, false)
}

// ExportData launches a pg_dump Job into the app's volume and returns its
// reference. The Job runs to completion asynchronously.
func (p *Platform) ExportData(ctx context.Context, app, dbService string) (string, error) {
	const op = orchestrator.OpExportData
	depl, err := p.client.AppsV1().Deployments(p.cfg.Namespace).Get(ctx, dbService, kubemeta.GetOptions{})
	if err != nil {
		return "", classify(op, err)
	}
	owner := depl.Labels[LabelInstance]

	name := fmt.Sprintf("%s-backup-%d", app, time.Now().Unix())
	backoff := int32(1)
	job := &kubebatch.Job{
		ObjectMeta: p.meta(name, owner, app, "backup"),
		Spec: kubebatch.JobSpec{
			BackoffLimit: &backoff,
			Template: kubecore.PodTemplateSpec{
				Spec: kubecore.PodSpec{
					RestartPolicy: kubecore.RestartPolicyNever,
					Containers: []kubecore.Container{{
						Name:    "pg-dump",
						Image:   p.cfg.DatabaseImage,
						Command: []string{"sh", "-c", fmt.Sprintf("pg_dump -h %s -U app app > /backup/%s.sql", p.host(dbService), name)},
						Env: []kubecore.EnvVar{{Name: "PGPASSWORD", ValueFrom: &kubecore.EnvVarSource{
							SecretKeyRef: &kubecore.SecretKeySelector{
								LocalObjectReference: kubecore.LocalObjectReference{Name: credentialsName(dbService)},
								Key:                  "password",
							},
						}}},
						VolumeMounts: []kubecore.VolumeMount{{Name: "backup", MountPath: "/backup"}},
					}},
					Volumes: []kubecore.Volume{{
						Name: "backup",
						VolumeSource: kubecore.VolumeSource{
							PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{ClaimName: storageName(app)},
						},
					}},
				},
			},
		},
	}
	if _, err := p.client.BatchV1().Jobs(p.cfg.Namespace).Create(ctx, job, kubemeta.CreateOptions{}); err != nil {
		return "", classify(op, err)
	}
	return fmt.Sprintf("job/%s/%s", p.cfg.Namespace, name), nil
}

func (p *Platform) Ping(ctx context.Context) error {
	_, err := p.client.CoreV1().Namespaces().Get(ctx, p.cfg.Namespace, kubemeta.GetOptions{})
	return classify(orchestrator.OpPing, err)
}

// --- errors ---

func ignoreNotFound(op string, err error) error {
	if err == nil || kubeerr.IsNotFound(err) {
		return nil
	}
	return classify(op, err)
}

// classify maps API server errors onto orchestrator failure kinds. It is
// the only place Kubernetes error details are inspected.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case kubeerr.IsNotFound(err):
		return &orchestrator.Failure{Op: op, Kind: orchestrator.KindNotFound, Code: orchestrator.CodeNotFound, Err: err}
	case kubeerr.IsAlreadyExists(err):
		return &orchestrator.Failure{Op: op, Kind: orchestrator.KindAlreadyExists, Code: orchestrator.CodeAlreadyExists, Err: err}
	case kubeerr.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		return orchestrator.Fatal(op, orchestrator.CodeQuotaExceeded, err)
	case kubeerr.IsForbidden(err), kubeerr.IsUnauthorized(err):
		return orchestrator.Fatal(op, orchestrator.CodePermission, err)
	case kubeerr.IsInvalid(err), kubeerr.IsBadRequest(err):
		return orchestrator.Fatal(op, orchestrator.CodeInvalidRequest, err)
	case kubeerr.IsTooManyRequests(err):
		return orchestrator.Retryable(op, orchestrator.CodeRateLimited, err)
	case kubeerr.IsTimeout(err), kubeerr.IsServerTimeout(err):
		return orchestrator.Retryable(op, orchestrator.CodeTimeout, err)
	case kubeerr.IsServiceUnavailable(err), kubeerr.IsInternalError(err), kubeerr.IsConflict(err):
		return orchestrator.Retryable(op, orchestrator.CodeUnavailable, err)
	default:
		return orchestrator.Classify(op, err)
	}
}
