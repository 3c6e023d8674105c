// Package kube implements the cluster-resource lifecycle adapter.
// Shutdown scales Deployments and StatefulSets in the target's
// namespaces to zero, recording each workload's prior replica count in
// an annotation; startup restores the recorded counts. Status reports
// ready versus desired replicas. The adapter authenticates through the
// kubeconfig context named by the target endpoint, not the broker.
package kube

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/poll"
)

const (
	// restoreAnnotation records a workload's replica count across a
	// shutdown so startup can put it back.
	restoreAnnotation = "rackcycle.io/restore-replicas"

	// labelNamespaces lists the namespaces the adapter acts on,
	// comma separated.
	labelNamespaces = "namespaces"

	// labelSelector optionally narrows the workloads within those
	// namespaces.
	labelSelector = "selector"
)

// newClientset builds a clientset for a kubeconfig context. Overridable
// for tests.
var newClientset = func(contextName string) (kubernetes.Interface, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: contextName}
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, err
	}
	restConfig.Timeout = 15 * time.Second
	return kubernetes.NewForConfig(restConfig)
}

// Adapter mutates cluster workloads.
type Adapter struct {
	logger zerolog.Logger
	poller *poll.Poller
}

// NewAdapter creates the kube adapter.
func NewAdapter(logger zerolog.Logger) *Adapter {
	return &Adapter{
		logger: logger.With().Str("component", "kube").Logger(),
		poller: poll.New(logger),
	}
}

// Kind identifies this adapter's backend variety.
func (a *Adapter) Kind() engine.AdapterKind {
	return engine.AdapterKindKube
}

// Applicable reports whether the target names a kubeconfig context and
// at least one namespace. The kubeconfig carries its own credentials,
// so no broker session is required.
func (a *Adapter) Applicable(target *engine.Target, sess *broker.Session) bool {
	return target.EndpointFor(engine.AdapterKindKube) != "" &&
		target.Labels[labelNamespaces] != ""
}

// Status reports aggregate replica readiness across the target's
// namespaces.
func (a *Adapter) Status(ctx context.Context, target *engine.Target, sess *broker.Session) (*engine.StateSnapshot, error) {
	clientset, err := a.clientFor(target)
	if err != nil {
		return nil, err
	}
	return a.observe(ctx, clientset, target)
}

// Transition scales the target's workloads. Shutdown records prior
// replica counts and scales to zero; startup restores recorded counts.
func (a *Adapter) Transition(ctx context.Context, target *engine.Target, op engine.Operation, sess *broker.Session) error {
	clientset, err := a.clientFor(target)
	if err != nil {
		return err
	}

	switch op {
	case engine.OperationShutdown:
		return a.scaleDown(ctx, clientset, target)
	case engine.OperationStartup:
		return a.restore(ctx, clientset, target)
	default:
		return engine.NewTerminalError(fmt.Sprintf("operation %s does not mutate cluster state", op), nil).
			WithTarget(target.Name).
			WithCode(engine.ErrCodeUnsupportedVerb)
	}
}

// Await polls replica readiness until the operation's expected state
// holds. The API server is the management plane here and is expected to
// stay reachable throughout.
func (a *Adapter) Await(ctx context.Context, target *engine.Target, op engine.Operation, sess *broker.Session, interval, maxTotal time.Duration) (*poll.Outcome, error) {
	clientset, err := a.clientFor(target)
	if err != nil {
		return nil, err
	}

	expected := engine.ExpectedStateFor(target, op)
	probe := func(ctx context.Context) (poll.State, error) {
		snap, err := a.observe(ctx, clientset, target)
		if err != nil {
			return poll.State{}, err
		}
		if snap.State == expected {
			return poll.Ready(), nil
		}
		return poll.Partial(fmt.Sprintf("%s: %s", snap.State, snap.Detail)), nil
	}

	return a.poller.Poll(ctx, probe, interval, maxTotal)
}

func (a *Adapter) clientFor(target *engine.Target) (kubernetes.Interface, error) {
	contextName := target.EndpointFor(engine.AdapterKindKube)
	clientset, err := newClientset(contextName)
	if err != nil {
		return nil, engine.NewTerminalError("kubeconfig context unavailable", err).
			WithTarget(target.Name).
			WithDetail("context", contextName)
	}
	return clientset, nil
}

func (a *Adapter) namespaces(target *engine.Target) []string {
	var out []string
	for _, ns := range strings.Split(target.Labels[labelNamespaces], ",") {
		if ns = strings.TrimSpace(ns); ns != "" {
			out = append(out, ns)
		}
	}
	return out
}

type workloadCounts struct {
	workloads int
	desired   int32
	ready     int32
	current   int32
}

func (a *Adapter) observe(ctx context.Context, clientset kubernetes.Interface, target *engine.Target) (*engine.StateSnapshot, error) {
	counts, err := a.gather(ctx, clientset, target)
	if err != nil {
		return nil, classifyAPI("state read failed", target.Name, err)
	}

	snap := &engine.StateSnapshot{ObservedAt: time.Now()}
	switch {
	case counts.workloads == 0:
		snap.State = engine.StateStopped
		snap.Detail = "no workloads matched"
	case counts.desired == 0 && counts.current == 0:
		snap.State = engine.StateStopped
		snap.Detail = fmt.Sprintf("%d workloads scaled to zero", counts.workloads)
	case counts.desired == 0:
		snap.State = engine.StateStopping
		snap.Detail = fmt.Sprintf("%d pods terminating", counts.current)
	case counts.ready == counts.desired:
		snap.State = engine.StateRunning
		snap.Detail = fmt.Sprintf("%d workloads, %d replicas ready", counts.workloads, counts.ready)
	default:
		snap.State = engine.StateDegraded
		snap.Detail = fmt.Sprintf("%d/%d replicas ready", counts.ready, counts.desired)
	}
	return snap, nil
}

func (a *Adapter) gather(ctx context.Context, clientset kubernetes.Interface, target *engine.Target) (*workloadCounts, error) {
	opts := metav1.ListOptions{LabelSelector: target.Labels[labelSelector]}
	counts := &workloadCounts{}

	for _, ns := range a.namespaces(target) {
		deployments, err := clientset.AppsV1().Deployments(ns).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for i := range deployments.Items {
			d := &deployments.Items[i]
			counts.workloads++
			counts.desired += replicasOf(d.Spec.Replicas)
			counts.ready += d.Status.ReadyReplicas
			counts.current += d.Status.Replicas
		}

		statefulsets, err := clientset.AppsV1().StatefulSets(ns).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for i := range statefulsets.Items {
			s := &statefulsets.Items[i]
			counts.workloads++
			counts.desired += replicasOf(s.Spec.Replicas)
			counts.ready += s.Status.ReadyReplicas
			counts.current += s.Status.Replicas
		}
	}
	return counts, nil
}

func (a *Adapter) scaleDown(ctx context.Context, clientset kubernetes.Interface, target *engine.Target) error {
	opts := metav1.ListOptions{LabelSelector: target.Labels[labelSelector]}
	scaled := 0

	for _, ns := range a.namespaces(target) {
		deployments, err := clientset.AppsV1().Deployments(ns).List(ctx, opts)
		if err != nil {
			return classifyAPI("workload listing failed", target.Name, err)
		}
		for i := range deployments.Items {
			d := &deployments.Items[i]
			desired := replicasOf(d.Spec.Replicas)
			if desired == 0 {
				continue
			}
			if d.Annotations == nil {
				d.Annotations = make(map[string]string)
			}
			d.Annotations[restoreAnnotation] = strconv.Itoa(int(desired))
			d.Spec.Replicas = int32ptr(0)
			if _, err := clientset.AppsV1().Deployments(ns).Update(ctx, d, metav1.UpdateOptions{}); err != nil {
				return classifyAPI(fmt.Sprintf("scaling deployment %s/%s failed", ns, d.Name), target.Name, err)
			}
			scaled++
		}

		statefulsets, err := clientset.AppsV1().StatefulSets(ns).List(ctx, opts)
		if err != nil {
			return classifyAPI("workload listing failed", target.Name, err)
		}
		for i := range statefulsets.Items {
			s := &statefulsets.Items[i]
			desired := replicasOf(s.Spec.Replicas)
			if desired == 0 {
				continue
			}
			if s.Annotations == nil {
				s.Annotations = make(map[string]string)
			}
			s.Annotations[restoreAnnotation] = strconv.Itoa(int(desired))
			s.Spec.Replicas = int32ptr(0)
			if _, err := clientset.AppsV1().StatefulSets(ns).Update(ctx, s, metav1.UpdateOptions{}); err != nil {
				return classifyAPI(fmt.Sprintf("scaling statefulset %s/%s failed", ns, s.Name), target.Name, err)
			}
			scaled++
		}
	}

	a.logger.Info().
		Str("target", target.Name).
		Int("workloads", scaled).
		Msg("Scaled workloads to zero")
	return nil
}

func (a *Adapter) restore(ctx context.Context, clientset kubernetes.Interface, target *engine.Target) error {
	opts := metav1.ListOptions{LabelSelector: target.Labels[labelSelector]}
	restored := 0

	for _, ns := range a.namespaces(target) {
		deployments, err := clientset.AppsV1().Deployments(ns).List(ctx, opts)
		if err != nil {
			return classifyAPI("workload listing failed", target.Name, err)
		}
		for i := range deployments.Items {
			d := &deployments.Items[i]
			recorded, ok := d.Annotations[restoreAnnotation]
			if !ok {
				continue
			}
			replicas, err := strconv.Atoi(recorded)
			if err != nil || replicas < 0 {
				a.logger.Warn().
					Str("workload", ns+"/"+d.Name).
					Str("annotation", recorded).
					Msg("Unusable restore annotation, skipping")
				continue
			}
			d.Spec.Replicas = int32ptr(int32(replicas))
			delete(d.Annotations, restoreAnnotation)
			if _, err := clientset.AppsV1().Deployments(ns).Update(ctx, d, metav1.UpdateOptions{}); err != nil {
				return classifyAPI(fmt.Sprintf("restoring deployment %s/%s failed", ns, d.Name), target.Name, err)
			}
			restored++
		}

		statefulsets, err := clientset.AppsV1().StatefulSets(ns).List(ctx, opts)
		if err != nil {
			return classifyAPI("workload listing failed", target.Name, err)
		}
		for i := range statefulsets.Items {
			s := &statefulsets.Items[i]
			recorded, ok := s.Annotations[restoreAnnotation]
			if !ok {
				continue
			}
			replicas, err := strconv.Atoi(recorded)
			if err != nil || replicas < 0 {
				a.logger.Warn().
					Str("workload", ns+"/"+s.Name).
					Str("annotation", recorded).
					Msg("Unusable restore annotation, skipping")
				continue
			}
			s.Spec.Replicas = int32ptr(int32(replicas))
			delete(s.Annotations, restoreAnnotation)
			if _, err := clientset.AppsV1().StatefulSets(ns).Update(ctx, s, metav1.UpdateOptions{}); err != nil {
				return classifyAPI(fmt.Sprintf("restoring statefulset %s/%s failed", ns, s.Name), target.Name, err)
			}
			restored++
		}
	}

	if restored == 0 {
		return engine.NewTerminalError("no workloads carry the restore annotation", nil).
			WithTarget(target.Name).
			WithCode(engine.ErrCodeNotFound)
	}

	a.logger.Info().
		Str("target", target.Name).
		Int("workloads", restored).
		Msg("Restored workload replicas")
	return nil
}

func classifyAPI(message, targetName string, err error) error {
	switch {
	case apierrors.IsUnauthorized(err):
		return engine.NewUnauthenticatedError(message, err).
			WithTarget(targetName).
			WithCode(engine.ErrCodeAuthExpired)
	case apierrors.IsForbidden(err), apierrors.IsNotFound(err):
		return engine.NewTerminalError(message, err).WithTarget(targetName)
	default:
		// Conflicts, throttling, server timeouts, network errors.
		return engine.NewTransientError(message, err).WithTarget(targetName)
	}
}

func replicasOf(r *int32) int32 {
	// Workload controllers default a nil replica count to one.
	if r == nil {
		return 1
	}
	return *r
}

func int32ptr(n int32) *int32 {
	return &n
}
