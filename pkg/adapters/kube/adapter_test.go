package kube

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"

	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/poll"
)

func withClientset(t *testing.T, clientset kubernetes.Interface) {
	t.Helper()
	orig := newClientset
	newClientset = func(contextName string) (kubernetes.Interface, error) {
		return clientset, nil
	}
	t.Cleanup(func() { newClientset = orig })
}

func clusterTarget(extra map[string]string) *engine.Target {
	labels := map[string]string{labelNamespaces: "payments"}
	for k, v := range extra {
		labels[k] = v
	}
	return &engine.Target{
		Name:        "app-cluster",
		AdapterKind: engine.AdapterKindKube,
		Endpoint:    "prod-apps",
		Labels:      labels,
	}
}

func deployment(ns, name string, desired, ready, current int32, labels, annotations map[string]string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   ns,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec:   appsv1.DeploymentSpec{Replicas: int32ptr(desired)},
		Status: appsv1.DeploymentStatus{ReadyReplicas: ready, Replicas: current},
	}
}

func statefulset(ns, name string, desired, ready, current int32, annotations map[string]string) *appsv1.StatefulSet {
	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   ns,
			Annotations: annotations,
		},
		Spec:   appsv1.StatefulSetSpec{Replicas: int32ptr(desired)},
		Status: appsv1.StatefulSetStatus{ReadyReplicas: ready, Replicas: current},
	}
}

func TestKubeApplicable(t *testing.T) {
	adapter := NewAdapter(zerolog.Nop())

	if !adapter.Applicable(clusterTarget(nil), nil) {
		t.Error("Expected adapter to be applicable with context and namespaces")
	}

	noNamespaces := &engine.Target{
		Name:        "app-cluster",
		AdapterKind: engine.AdapterKindKube,
		Endpoint:    "prod-apps",
	}
	if adapter.Applicable(noNamespaces, nil) {
		t.Error("Expected adapter to be inapplicable without namespaces")
	}
}

func TestKubeStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		objects  []runtime.Object
		expected engine.ComponentState
	}{
		{
			name: "all replicas ready",
			objects: []runtime.Object{
				deployment("payments", "api", 3, 3, 3, nil, nil),
				statefulset("payments", "db", 1, 1, 1, nil),
			},
			expected: engine.StateRunning,
		},
		{
			name: "scaled to zero",
			objects: []runtime.Object{
				deployment("payments", "api", 0, 0, 0, nil, nil),
			},
			expected: engine.StateStopped,
		},
		{
			name: "pods still terminating",
			objects: []runtime.Object{
				deployment("payments", "api", 0, 0, 2, nil, nil),
			},
			expected: engine.StateStopping,
		},
		{
			name: "partially ready",
			objects: []runtime.Object{
				deployment("payments", "api", 3, 1, 3, nil, nil),
			},
			expected: engine.StateDegraded,
		},
		{
			name:     "no workloads",
			objects:  nil,
			expected: engine.StateStopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withClientset(t, fake.NewSimpleClientset(tt.objects...))

			adapter := NewAdapter(zerolog.Nop())
			snap, err := adapter.Status(context.Background(), clusterTarget(nil), nil)
			if err != nil {
				t.Fatalf("Status failed: %v", err)
			}
			if snap.State != tt.expected {
				t.Errorf("Expected %s, got %s (%s)", tt.expected, snap.State, snap.Detail)
			}
		})
	}
}

func TestKubeShutdownScalesAndAnnotates(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		deployment("payments", "api", 3, 3, 3, nil, nil),
		deployment("payments", "idle", 0, 0, 0, nil, nil),
		statefulset("payments", "db", 2, 2, 2, nil),
	)
	withClientset(t, clientset)

	adapter := NewAdapter(zerolog.Nop())
	if err := adapter.Transition(context.Background(), clusterTarget(nil), engine.OperationShutdown, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	api, err := clientset.AppsV1().Deployments("payments").Get(context.Background(), "api", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if *api.Spec.Replicas != 0 {
		t.Errorf("Expected api scaled to 0, got %d", *api.Spec.Replicas)
	}
	if api.Annotations[restoreAnnotation] != "3" {
		t.Errorf("Expected restore annotation 3, got %q", api.Annotations[restoreAnnotation])
	}

	idle, _ := clientset.AppsV1().Deployments("payments").Get(context.Background(), "idle", metav1.GetOptions{})
	if _, ok := idle.Annotations[restoreAnnotation]; ok {
		t.Error("Expected already-zero workload to stay unannotated")
	}

	db, _ := clientset.AppsV1().StatefulSets("payments").Get(context.Background(), "db", metav1.GetOptions{})
	if *db.Spec.Replicas != 0 || db.Annotations[restoreAnnotation] != "2" {
		t.Errorf("Expected db scaled to 0 with annotation 2, got %d/%q", *db.Spec.Replicas, db.Annotations[restoreAnnotation])
	}
}

func TestKubeStartupRestoresRecordedReplicas(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		deployment("payments", "api", 0, 0, 0, nil, map[string]string{restoreAnnotation: "3"}),
		statefulset("payments", "db", 0, 0, 0, map[string]string{restoreAnnotation: "2"}),
	)
	withClientset(t, clientset)

	adapter := NewAdapter(zerolog.Nop())
	if err := adapter.Transition(context.Background(), clusterTarget(nil), engine.OperationStartup, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	api, _ := clientset.AppsV1().Deployments("payments").Get(context.Background(), "api", metav1.GetOptions{})
	if *api.Spec.Replicas != 3 {
		t.Errorf("Expected api restored to 3, got %d", *api.Spec.Replicas)
	}
	if _, ok := api.Annotations[restoreAnnotation]; ok {
		t.Error("Expected restore annotation removed")
	}

	db, _ := clientset.AppsV1().StatefulSets("payments").Get(context.Background(), "db", metav1.GetOptions{})
	if *db.Spec.Replicas != 2 {
		t.Errorf("Expected db restored to 2, got %d", *db.Spec.Replicas)
	}
}

func TestKubeStartupWithNothingRecorded(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		deployment("payments", "api", 0, 0, 0, nil, nil),
	)
	withClientset(t, clientset)

	adapter := NewAdapter(zerolog.Nop())
	err := adapter.Transition(context.Background(), clusterTarget(nil), engine.OperationStartup, nil)
	if err == nil {
		t.Fatal("Expected startup with nothing recorded to fail")
	}
	if !engine.IsTerminal(err) {
		t.Errorf("Expected terminal classification, got: %v", err)
	}
}

func TestKubeSelectorNarrowsWorkloads(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		deployment("payments", "api", 3, 3, 3, map[string]string{"tier": "app"}, nil),
		deployment("payments", "ingress", 2, 2, 2, map[string]string{"tier": "edge"}, nil),
	)
	withClientset(t, clientset)

	adapter := NewAdapter(zerolog.Nop())
	target := clusterTarget(map[string]string{labelSelector: "tier=app"})
	if err := adapter.Transition(context.Background(), target, engine.OperationShutdown, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	api, _ := clientset.AppsV1().Deployments("payments").Get(context.Background(), "api", metav1.GetOptions{})
	if *api.Spec.Replicas != 0 {
		t.Errorf("Expected selected workload scaled, got %d", *api.Spec.Replicas)
	}

	ingress, _ := clientset.AppsV1().Deployments("payments").Get(context.Background(), "ingress", metav1.GetOptions{})
	if *ingress.Spec.Replicas != 2 {
		t.Errorf("Expected unselected workload untouched, got %d", *ingress.Spec.Replicas)
	}
}

func TestKubeUnauthorizedClassification(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("list", "deployments", func(action ktesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewUnauthorized("token expired")
	})
	withClientset(t, clientset)

	adapter := NewAdapter(zerolog.Nop())
	_, err := adapter.Status(context.Background(), clusterTarget(nil), nil)
	if err == nil {
		t.Fatal("Expected unauthorized error to surface")
	}
	if !engine.IsUnauthenticated(err) {
		t.Errorf("Expected unauthenticated classification, got: %v", err)
	}
}

func TestKubeAwaitShutdownConverged(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		deployment("payments", "api", 0, 0, 0, nil, nil),
	)
	withClientset(t, clientset)

	adapter := NewAdapter(zerolog.Nop())
	outcome, err := adapter.Await(context.Background(), clusterTarget(nil), engine.OperationShutdown, nil, time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if outcome.Terminal != poll.TerminalReady {
		t.Errorf("Expected ready outcome, got %s", outcome.Terminal)
	}
}

func TestKubeAwaitStartupTimesOutWhileDegraded(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		deployment("payments", "api", 3, 1, 3, nil, nil),
	)
	withClientset(t, clientset)

	adapter := NewAdapter(zerolog.Nop())
	outcome, err := adapter.Await(context.Background(), clusterTarget(nil), engine.OperationStartup, nil, 5*time.Millisecond, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if outcome.Terminal != poll.TerminalTimedOut {
		t.Errorf("Expected timed-out outcome, got %s", outcome.Terminal)
	}
	if outcome.LastDetail == "" {
		t.Error("Expected last detail describing replica readiness")
	}
}
