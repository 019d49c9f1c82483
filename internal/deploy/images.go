package deploy

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// OverrideImages replaces every container image of objects that has an
// entry in overrides and returns the number of replacements.
func OverrideImages(objects []*unstructured.Unstructured, overrides map[string]string) int {
	if len(overrides) == 0 {
		return 0
	}
	n := 0
	for _, obj := range objects {
		n += overrideIn(obj.Object, overrides)
	}
	return n
}

// overrideIn walks the object tree and rewrites "image" fields of any
// container list entry.
func overrideIn(node interface{}, overrides map[string]string) int {
	n := 0
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if key == "containers" || key == "initContainers" {
				n += overrideContainers(child, overrides)
				continue
			}
			n += overrideIn(child, overrides)
		}
	case []interface{}:
		for _, child := range v {
			n += overrideIn(child, overrides)
		}
	}
	return n
}

func overrideContainers(node interface{}, overrides map[string]string) int {
	containers, ok := node.([]interface{})
	if !ok {
		return 0
	}
	n := 0
	for _, raw := range containers {
		container, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		image, _ := container["image"].(string)
		if replacement, ok := overrides[image]; ok {
			container["image"] = replacement
			n++
		}
	}
	return n
}
