package cluster

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	apiversion "k8s.io/apimachinery/pkg/version"
	fakediscovery "k8s.io/client-go/discovery/fake"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"

	"github.com/moolen/apptest/internal/config"
)

var configMapGVR = schema.GroupVersionResource{Version: "v1", Resource: "configmaps"}

func newTestClient(t *testing.T, objects ...runtime.Object) *Client {
	t.Helper()

	listKinds := map[schema.GroupVersionResource]string{
		configMapGVR: "ConfigMapList",
		{Group: "apps", Version: "v1", Resource: "deployments"}: "DeploymentList",
		RouteGVR:        "RouteList",
		ImageStreamGVR:  "ImageStreamList",
		KnativeRouteGVR: "RouteList",
	}
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds, objects...)

	mapper := meta.NewDefaultRESTMapper(nil)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}, meta.RESTScopeNamespace)
	mapper.Add(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}, meta.RESTScopeNamespace)
	mapper.Add(schema.GroupVersionKind{Group: "route.openshift.io", Version: "v1", Kind: "Route"}, meta.RESTScopeNamespace)
	mapper.Add(schema.GroupVersionKind{Group: "image.openshift.io", Version: "v1", Kind: "ImageStream"}, meta.RESTScopeNamespace)

	return NewForClients(kubefake.NewClientset(), dyn, mapper, "test-ns")
}

const testManifest = `apiVersion: v1
kind: ConfigMap
metadata:
  name: app-config
data:
  greeting: hello
---
apiVersion: v1
kind: List
items:
- apiVersion: image.openshift.io/v1
  kind: ImageStream
  metadata:
    name: app
- apiVersion: image.openshift.io/v1
  kind: ImageStream
  metadata:
    name: openjdk-17
---
`

func TestDecodeManifest(t *testing.T) {
	objects, err := DecodeManifest(strings.NewReader(testManifest))
	require.NoError(t, err)
	require.Len(t, objects, 3)

	assert.Equal(t, "ConfigMap", objects[0].GetKind())
	assert.Equal(t, "app", objects[1].GetName())
	assert.Equal(t, []string{"app", "openjdk-17"}, ImageStreamNames(objects))
}

func TestDecodeManifest_RejectsNamelessObject(t *testing.T) {
	_, err := DecodeManifest(strings.NewReader("apiVersion: v1\nkind: ConfigMap\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without kind or name")
}

func TestApply_CreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	objects, err := DecodeManifest(strings.NewReader(testManifest))
	require.NoError(t, err)
	require.NoError(t, client.Apply(ctx, objects))

	cm, err := client.Dynamic.Resource(configMapGVR).Namespace("test-ns").Get(ctx, "app-config", metav1.GetOptions{})
	require.NoError(t, err)
	greeting, _, _ := unstructured.NestedString(cm.Object, "data", "greeting")
	assert.Equal(t, "hello", greeting)

	// second apply replaces the existing object
	objects, err = DecodeManifest(strings.NewReader(strings.Replace(testManifest, "greeting: hello", "greeting: bye", 1)))
	require.NoError(t, err)
	require.NoError(t, client.Apply(ctx, objects))

	cm, err = client.Dynamic.Resource(configMapGVR).Namespace("test-ns").Get(ctx, "app-config", metav1.GetOptions{})
	require.NoError(t, err)
	greeting, _, _ = unstructured.NestedString(cm.Object, "data", "greeting")
	assert.Equal(t, "bye", greeting)
}

func TestApply_UnknownKindFails(t *testing.T) {
	client := newTestClient(t)
	objects, err := DecodeManifest(strings.NewReader("apiVersion: example.com/v1\nkind: Widget\nmetadata:\n  name: w\n"))
	require.NoError(t, err)

	err = client.Apply(context.Background(), objects)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to map Widget")
}

func TestDelete_ToleratesMissingObjectsAndKinds(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	objects, err := DecodeManifest(strings.NewReader(testManifest + "apiVersion: example.com/v1\nkind: Widget\nmetadata:\n  name: w\n"))
	require.NoError(t, err)
	require.NoError(t, client.Apply(ctx, objects[:3]))

	require.NoError(t, client.Delete(ctx, objects))
	// deleting twice is a no-op
	require.NoError(t, client.Delete(ctx, objects))

	_, err = client.Dynamic.Resource(configMapGVR).Namespace("test-ns").Get(ctx, "app-config", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestGetRoute(t *testing.T) {
	route := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "route.openshift.io/v1",
		"kind":       "Route",
		"metadata":   map[string]interface{}{"name": "app", "namespace": "test-ns"},
		"spec": map[string]interface{}{
			"host": "app-test-ns.apps.example.com",
			"tls":  map[string]interface{}{"termination": "edge"},
		},
		"status": map[string]interface{}{
			"ingress": []interface{}{
				map[string]interface{}{
					"host": "app-test-ns.apps.example.com",
					"conditions": []interface{}{
						map[string]interface{}{"type": "Admitted", "status": "True"},
					},
				},
			},
		},
	}}
	client := newTestClient(t, route)

	got, err := client.GetRoute(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "app-test-ns.apps.example.com", got.Host)
	assert.True(t, got.TLS)
	assert.Equal(t, "https://app-test-ns.apps.example.com", got.URL())

	_, err = client.GetRoute(context.Background(), "missing")
	assert.True(t, apierrors.IsNotFound(err))
}

func TestGetRoute_HostAssignedByRouter(t *testing.T) {
	route := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "route.openshift.io/v1",
		"kind":       "Route",
		"metadata":   map[string]interface{}{"name": "app", "namespace": "test-ns"},
		"spec":       map[string]interface{}{},
		"status": map[string]interface{}{
			"ingress": []interface{}{
				map[string]interface{}{"routerName": "default"},
				map[string]interface{}{"host": "app-test-ns.apps.example.com"},
			},
		},
	}}
	client := newTestClient(t, route)

	got, err := client.GetRoute(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "http://app-test-ns.apps.example.com", got.URL())
}

func TestGetImageStream_Ready(t *testing.T) {
	stream := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "image.openshift.io/v1",
		"kind":       "ImageStream",
		"metadata":   map[string]interface{}{"name": "openjdk-17", "namespace": "test-ns"},
		"status": map[string]interface{}{
			"tags": []interface{}{
				map[string]interface{}{"tag": "latest", "items": []interface{}{
					map[string]interface{}{"image": "sha256:abc"},
				}},
			},
		},
	}}
	pending := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "image.openshift.io/v1",
		"kind":       "ImageStream",
		"metadata":   map[string]interface{}{"name": "pending", "namespace": "test-ns"},
	}}
	client := newTestClient(t, stream, pending)

	got, err := client.GetImageStream(context.Background(), "openjdk-17")
	require.NoError(t, err)
	assert.True(t, got.Ready())
	assert.Equal(t, 1, got.Tags["latest"])

	got, err = client.GetImageStream(context.Background(), "pending")
	require.NoError(t, err)
	assert.False(t, got.Ready())
}

func TestKnativeRoute(t *testing.T) {
	route := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "serving.knative.dev/v1",
		"kind":       "Route",
		"metadata":   map[string]interface{}{"name": "app", "namespace": "test-ns"},
		"status": map[string]interface{}{
			"url": "https://app-test-ns.apps.example.com",
			"conditions": []interface{}{
				map[string]interface{}{"type": "Ready", "status": "True"},
			},
		},
	}}
	client := newTestClient(t, route)

	got, err := client.Knative().Route(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "https://app-test-ns.apps.example.com", got.URL)
	assert.True(t, got.Ready)
}

func TestNamespaces(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, client.CreateNamespace(ctx, "ts-abc", map[string]string{EphemeralLabel: "true"}))
	require.NoError(t, client.CreateNamespace(ctx, "other", nil))

	list, err := client.ListNamespaces(ctx, EphemeralLabel+"=true")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ts-abc", list[0].Name)

	require.NoError(t, client.DeleteNamespace(ctx, "ts-abc"))
	// already gone
	require.NoError(t, client.DeleteNamespace(ctx, "ts-abc"))
}

func TestWithNamespace(t *testing.T) {
	client := newTestClient(t)
	derived := client.WithNamespace("ts-xyz")

	assert.Equal(t, "ts-xyz", derived.Namespace())
	assert.Equal(t, "test-ns", client.Namespace())
}

func TestCheckMinVersion(t *testing.T) {
	client := newTestClient(t)
	client.Clientset.Discovery().(*fakediscovery.FakeDiscovery).FakedServerVersion = &apiversion.Info{GitVersion: "v1.30.2+k3s1"}

	assert.NoError(t, client.CheckMinVersion(""))
	assert.NoError(t, client.CheckMinVersion("1.28"))
	assert.NoError(t, client.CheckMinVersion("1.30.2"))

	err := client.CheckMinVersion("1.31")
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))

	err = client.CheckMinVersion("not-a-version")
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

type recordingWaiter struct {
	selector string
	count    int
}

func (w *recordingWaiter) PodsReady(_ context.Context, selector string, count int) error {
	w.selector = selector
	w.count = count
	return nil
}

func TestUtil_RestartPodsWaitsForReplicas(t *testing.T) {
	replicas := int32(2)
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "hello", Namespace: "test-ns"},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "hello"}},
		},
	}
	base := newTestClient(t)
	client := NewForClients(kubefake.NewClientset(deployment), base.Dynamic, base.Mapper, "test-ns")
	waiter := &recordingWaiter{}

	require.NoError(t, NewUtil(client, waiter).RestartPods(context.Background(), "hello"))
	assert.Equal(t, "app=hello", waiter.selector)
	assert.Equal(t, 2, waiter.count)

	err := NewUtil(client, waiter).RestartPods(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))
}
