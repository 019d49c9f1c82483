// Package clustertest builds cluster clients backed by client-go fakes.
package clustertest

import (
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"

	"github.com/moolen/apptest/internal/cluster"
)

// Kinds known to the fake REST mapper.
var namespacedKinds = []schema.GroupVersionKind{
	{Version: "v1", Kind: "ConfigMap"},
	{Version: "v1", Kind: "Service"},
	{Version: "v1", Kind: "Secret"},
	{Group: "apps", Version: "v1", Kind: "Deployment"},
	{Group: "route.openshift.io", Version: "v1", Kind: "Route"},
	{Group: "image.openshift.io", Version: "v1", Kind: "ImageStream"},
	{Group: "build.openshift.io", Version: "v1", Kind: "BuildConfig"},
	{Group: "serving.knative.dev", Version: "v1", Kind: "Service"},
}

// NewClient returns a client whose typed clientset holds typed and whose
// dynamic client holds dynamic objects.
func NewClient(namespace string, typed []runtime.Object, dynamic ...runtime.Object) *cluster.Client {
	mapper := meta.NewDefaultRESTMapper(nil)
	listKinds := map[schema.GroupVersionResource]string{
		cluster.KnativeRouteGVR: "RouteList",
	}
	for _, gvk := range namespacedKinds {
		mapper.Add(gvk, meta.RESTScopeNamespace)
		plural, _ := meta.UnsafeGuessKindToResource(gvk)
		listKinds[plural] = gvk.Kind + "List"
	}

	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds, dynamic...)
	return cluster.NewForClients(kubefake.NewClientset(typed...), dyn, mapper, namespace)
}

// Route returns an OpenShift route with an assigned host.
func Route(namespace, name, host string, tls bool) *unstructured.Unstructured {
	spec := map[string]interface{}{"host": host}
	if tls {
		spec["tls"] = map[string]interface{}{"termination": "edge"}
	}
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "route.openshift.io/v1",
		"kind":       "Route",
		"metadata":   map[string]interface{}{"name": name, "namespace": namespace},
		"spec":       spec,
	}}
}

// KnativeRoute returns a ready Knative route serving url.
func KnativeRoute(namespace, name, url string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "serving.knative.dev/v1",
		"kind":       "Route",
		"metadata":   map[string]interface{}{"name": name, "namespace": namespace},
		"status": map[string]interface{}{
			"url": url,
			"conditions": []interface{}{
				map[string]interface{}{"type": "Ready", "status": "True"},
			},
		},
	}}
}

// ImageStream returns an image stream, with one imported image if ready.
func ImageStream(namespace, name string, ready bool) *unstructured.Unstructured {
	items := []interface{}{}
	if ready {
		items = append(items, map[string]interface{}{"image": "sha256:0123"})
	}
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "image.openshift.io/v1",
		"kind":       "ImageStream",
		"metadata":   map[string]interface{}{"name": name, "namespace": namespace},
		"status": map[string]interface{}{
			"tags": []interface{}{
				map[string]interface{}{"tag": "latest", "items": items},
			},
		},
	}}
}
