package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
)

// ErrInvalidManifest is returned for manifests that cannot be decoded.
var ErrInvalidManifest = errors.New("invalid manifest")

// ManifestClient server-side applies manifests to a cluster.
type ManifestClient interface {
	// ApplyManifests applies every document of a multi-document YAML stream.
	ApplyManifests(ctx context.Context, manifests []byte, fieldManager string) (int, error)
}

// ClientFactory builds a ManifestClient from kubeconfig bytes.
type ClientFactory func(kubeconfig []byte) (ManifestClient, error)

type dynamicClient struct {
	dynamic dynamic.Interface
	mapper  meta.RESTMapper
}

// NewClientFromKubeconfig creates a ManifestClient from kubeconfig bytes
// without writing them to disk.
func NewClientFromKubeconfig(kubeconfig []byte) (ManifestClient, error) {
	restConfig, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create REST config from kubeconfig: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	disco, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	groupResources, err := restmapper.GetAPIGroupResources(disco)
	if err != nil {
		return nil, fmt.Errorf("failed to get API group resources: %w", err)
	}
	return NewClient(dyn, restmapper.NewDiscoveryRESTMapper(groupResources)), nil
}

// NewClient creates a ManifestClient from pre-configured clients.
func NewClient(dyn dynamic.Interface, mapper meta.RESTMapper) ManifestClient {
	return &dynamicClient{dynamic: dyn, mapper: mapper}
}

// ApplyManifests implements ManifestClient. Empty documents are skipped;
// the count of applied objects is returned.
func (c *dynamicClient) ApplyManifests(ctx context.Context, manifests []byte, fieldManager string) (int, error) {
	decoder := yaml.NewYAMLOrJSONDecoder(bytes.NewReader(manifests), 4096)

	applied := 0
	for doc := 0; ; doc++ {
		var obj unstructured.Unstructured
		if err := decoder.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				return applied, nil
			}
			return applied, fmt.Errorf("%w: document %d: %w", ErrInvalidManifest, doc, err)
		}
		if len(obj.Object) == 0 {
			continue
		}
		if err := c.applyObject(ctx, &obj, fieldManager); err != nil {
			return applied, fmt.Errorf("failed to apply %s %s/%s: %w", obj.GetKind(), obj.GetNamespace(), obj.GetName(), err)
		}
		applied++
	}
}

func (c *dynamicClient) applyObject(ctx context.Context, obj *unstructured.Unstructured, fieldManager string) error {
	gvk := obj.GroupVersionKind()
	if gvk.Kind == "" {
		return fmt.Errorf("%w: object has no kind", ErrInvalidManifest)
	}
	mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return fmt.Errorf("failed to get REST mapping for %v: %w", gvk, err)
	}
	data, err := obj.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal object: %w", err)
	}

	opts := metav1.PatchOptions{FieldManager: fieldManager}
	resource := c.dynamic.Resource(mapping.Resource)
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		namespace := obj.GetNamespace()
		if namespace == "" {
			namespace = metav1.NamespaceDefault
		}
		_, err = resource.Namespace(namespace).Patch(ctx, obj.GetName(), types.ApplyPatchType, data, opts)
	} else {
		_, err = resource.Patch(ctx, obj.GetName(), types.ApplyPatchType, data, opts)
	}
	if err != nil {
		return fmt.Errorf("server-side apply failed: %w", err)
	}
	return nil
}
