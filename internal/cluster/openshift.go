package cluster

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	RouteGVR        = schema.GroupVersionResource{Group: "route.openshift.io", Version: "v1", Resource: "routes"}
	ImageStreamGVR  = schema.GroupVersionResource{Group: "image.openshift.io", Version: "v1", Resource: "imagestreams"}
	KnativeRouteGVR = schema.GroupVersionResource{Group: "serving.knative.dev", Version: "v1", Resource: "routes"}
)

// Route is the part of an OpenShift route the harness needs.
type Route struct {
	Name string
	Host string
	TLS  bool
}

// URL returns the external URL of the route, without trailing slash.
func (r *Route) URL() string {
	scheme := "http"
	if r.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// GetRoute fetches a route. NotFound errors are returned unwrapped.
func (c *Client) GetRoute(ctx context.Context, name string) (*Route, error) {
	obj, err := c.Dynamic.Resource(RouteGVR).Namespace(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return routeFromUnstructured(obj), nil
}

func routeFromUnstructured(obj *unstructured.Unstructured) *Route {
	route := &Route{Name: obj.GetName()}
	route.Host, _, _ = unstructured.NestedString(obj.Object, "spec", "host")
	_, route.TLS, _ = unstructured.NestedMap(obj.Object, "spec", "tls")

	// a route without spec.host gets its host assigned by the router
	if route.Host != "" {
		return route
	}
	ingresses, _, _ := unstructured.NestedSlice(obj.Object, "status", "ingress")
	for _, raw := range ingresses {
		ingress, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if route.Host, _, _ = unstructured.NestedString(ingress, "host"); route.Host != "" {
			break
		}
	}
	return route
}

// ImageStream summarizes an image stream's import state.
type ImageStream struct {
	Name string
	// Tags holds the number of imported images per tag.
	Tags map[string]int
}

// Ready reports whether at least one tag has an imported image.
func (s *ImageStream) Ready() bool {
	for _, items := range s.Tags {
		if items > 0 {
			return true
		}
	}
	return false
}

// GetImageStream fetches an image stream. NotFound errors are returned unwrapped.
func (c *Client) GetImageStream(ctx context.Context, name string) (*ImageStream, error) {
	obj, err := c.Dynamic.Resource(ImageStreamGVR).Namespace(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}

	stream := &ImageStream{Name: obj.GetName(), Tags: map[string]int{}}
	tags, _, _ := unstructured.NestedSlice(obj.Object, "status", "tags")
	for _, raw := range tags {
		tag, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _, _ := unstructured.NestedString(tag, "tag")
		items, _, _ := unstructured.NestedSlice(tag, "items")
		stream.Tags[name] = len(items)
	}
	return stream, nil
}

// ImageStreamNames lists the image streams declared in objects.
func ImageStreamNames(objects []*unstructured.Unstructured) []string {
	var names []string
	for _, obj := range objects {
		gvk := obj.GroupVersionKind()
		if gvk.Group == ImageStreamGVR.Group && gvk.Kind == "ImageStream" {
			names = append(names, obj.GetName())
		}
	}
	return names
}

// KnativeClient reads Knative serving resources. It shares the underlying
// connection of the client it was derived from.
type KnativeClient struct {
	client *Client
}

// KnativeRoute is the part of a Knative route the harness needs.
type KnativeRoute struct {
	Name  string
	URL   string
	Ready bool
}

// Knative derives a Knative client from c.
func (c *Client) Knative() *KnativeClient {
	return &KnativeClient{client: c}
}

// Route fetches a Knative route. NotFound errors are returned unwrapped.
func (k *KnativeClient) Route(ctx context.Context, name string) (*KnativeRoute, error) {
	obj, err := k.client.Dynamic.Resource(KnativeRouteGVR).Namespace(k.client.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}

	route := &KnativeRoute{Name: obj.GetName()}
	route.URL, _, _ = unstructured.NestedString(obj.Object, "status", "url")
	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	route.Ready = conditionTrue(conditions, "Ready")
	return route, nil
}

func conditionTrue(conditions []interface{}, conditionType string) bool {
	for _, raw := range conditions {
		condition, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if condition["type"] == conditionType && condition["status"] == "True" {
			return true
		}
	}
	return false
}
