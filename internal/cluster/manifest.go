package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/dynamic"
)

// LoadManifest reads all objects of a multi-document YAML or JSON manifest.
// List kinds are flattened into their items.
func LoadManifest(path string) ([]*unstructured.Unstructured, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return DecodeManifest(f)
}

// DecodeManifest decodes every object in r.
func DecodeManifest(r io.Reader) ([]*unstructured.Unstructured, error) {
	decoder := yaml.NewYAMLOrJSONDecoder(r, 4096)

	var objects []*unstructured.Unstructured
	for {
		var raw map[string]interface{}
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode manifest: %w", err)
		}
		if len(raw) == 0 {
			continue
		}

		obj := &unstructured.Unstructured{Object: raw}
		if obj.IsList() {
			err := obj.EachListItem(func(item runtime.Object) error {
				objects = append(objects, item.(*unstructured.Unstructured))
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("failed to read list items: %w", err)
			}
			continue
		}

		if obj.GetKind() == "" || obj.GetName() == "" {
			return nil, fmt.Errorf("manifest object without kind or name: %v", raw)
		}
		objects = append(objects, obj)
	}

	return objects, nil
}

// Apply creates every object, or replaces it when it already exists.
// The first failure aborts; nothing is retried.
func (c *Client) Apply(ctx context.Context, objects []*unstructured.Unstructured) error {
	for _, obj := range objects {
		ri, err := c.resourceFor(obj)
		if err != nil {
			return err
		}

		existing, err := ri.Get(ctx, obj.GetName(), metav1.GetOptions{})
		switch {
		case apierrors.IsNotFound(err):
			if _, err := ri.Create(ctx, obj, metav1.CreateOptions{FieldManager: FieldManager}); err != nil {
				return fmt.Errorf("failed to create %s: %w", describe(obj), err)
			}
			c.logger.Debug("created %s", describe(obj))
		case err != nil:
			return fmt.Errorf("failed to get %s: %w", describe(obj), err)
		default:
			obj.SetResourceVersion(existing.GetResourceVersion())
			if _, err := ri.Update(ctx, obj, metav1.UpdateOptions{FieldManager: FieldManager}); err != nil {
				return fmt.Errorf("failed to update %s: %w", describe(obj), err)
			}
			c.logger.Debug("updated %s", describe(obj))
		}
	}
	return nil
}

// Delete removes every object. Objects (or whole kinds) that do not exist
// count as deleted. All objects are attempted; errors are joined.
func (c *Client) Delete(ctx context.Context, objects []*unstructured.Unstructured) error {
	propagation := metav1.DeletePropagationBackground

	var errs []error
	for _, obj := range objects {
		ri, err := c.resourceFor(obj)
		if err != nil {
			if meta.IsNoMatchError(err) {
				c.logger.Debug("skipping %s: kind not served", describe(obj))
				continue
			}
			errs = append(errs, err)
			continue
		}

		err = ri.Delete(ctx, obj.GetName(), metav1.DeleteOptions{PropagationPolicy: &propagation})
		if err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", describe(obj), err))
			continue
		}
		c.logger.Debug("deleted %s", describe(obj))
	}
	return errors.Join(errs...)
}

// ApplyManifest loads path and applies its objects.
func (c *Client) ApplyManifest(ctx context.Context, path string) ([]*unstructured.Unstructured, error) {
	objects, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return objects, c.Apply(ctx, objects)
}

// DeleteManifest loads path and deletes its objects.
func (c *Client) DeleteManifest(ctx context.Context, path string) error {
	objects, err := LoadManifest(path)
	if err != nil {
		return err
	}
	return c.Delete(ctx, objects)
}

// resourceFor maps obj to its resource client. Namespaced objects without a
// namespace are placed in the client's namespace.
func (c *Client) resourceFor(obj *unstructured.Unstructured) (dynamic.ResourceInterface, error) {
	gvk := obj.GroupVersionKind()
	mapping, err := c.Mapper.RESTMapping(schema.GroupKind{Group: gvk.Group, Kind: gvk.Kind}, gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", describe(obj), err)
	}

	if mapping.Scope.Name() != meta.RESTScopeNameNamespace {
		return c.Dynamic.Resource(mapping.Resource), nil
	}

	if obj.GetNamespace() == "" {
		obj.SetNamespace(c.namespace)
	}
	return c.Dynamic.Resource(mapping.Resource).Namespace(obj.GetNamespace()), nil
}

func describe(obj *unstructured.Unstructured) string {
	if obj.GetNamespace() != "" {
		return fmt.Sprintf("%s %s/%s", obj.GetKind(), obj.GetNamespace(), obj.GetName())
	}
	return fmt.Sprintf("%s %s", obj.GetKind(), obj.GetName())
}
