package deploy

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/cluster/clustertest"
	"github.com/moolen/apptest/internal/command"
	"github.com/moolen/apptest/internal/command/commandtest"
	"github.com/moolen/apptest/internal/config"
)

var deploymentGVR = schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}

const appManifest = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: hello
spec:
  template:
    spec:
      containers:
      - name: hello
        image: quay.io/acme/hello:1.0
      - name: sidecar
        image: quay.io/acme/sidecar:1.0
---
apiVersion: image.openshift.io/v1
kind: ImageStream
metadata:
  name: hello
---
apiVersion: image.openshift.io/v1
kind: ImageStream
metadata:
  name: openjdk-17
`

type fixture struct {
	dir      string
	manifest string
	cfg      *config.Config
	client   *cluster.Client
	recorder *commandtest.Recorder
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "kubernetes"), 0o755))

	manifest := filepath.Join(target, "kubernetes", "openshift.yml")
	require.NoError(t, os.WriteFile(manifest, []byte(appManifest), 0o644))

	cfg := config.Default()
	cfg.ManifestPath = manifest
	cfg.BuildOutputDir = target
	cfg.BuildLockPath = filepath.Join(dir, "locks", "build.lock")

	client := clustertest.NewClient("ns", nil)
	recorder := &commandtest.Recorder{}

	return &fixture{
		dir:      dir,
		manifest: manifest,
		cfg:      cfg,
		client:   client,
		recorder: recorder,
		manager:  NewManager(client, recorder, cfg),
	}
}

func TestApply_MissingManifestIsConfigError(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Apply(context.Background(), filepath.Join(f.dir, "nope.yml"))
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApply_OverridesImagesAndTracksImageStreams(t *testing.T) {
	f := newFixture(t)
	f.cfg.ImageOverrides = []string{"quay.io/acme/sidecar:1.0=localhost:5000/sidecar:dev"}
	ctx := context.Background()

	set, err := f.manager.Apply(ctx, f.manifest)
	require.NoError(t, err)
	assert.Equal(t, f.manifest, set.Source)
	assert.Equal(t, []string{"openjdk-17"}, set.ImageStreams("hello"))

	obj, err := f.client.Dynamic.Resource(deploymentGVR).Namespace("ns").Get(ctx, "hello", metav1.GetOptions{})
	require.NoError(t, err)
	containers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	require.Len(t, containers, 2)
	assert.Equal(t, "quay.io/acme/hello:1.0", containers[0].(map[string]interface{})["image"])
	assert.Equal(t, "localhost:5000/sidecar:dev", containers[1].(map[string]interface{})["image"])
}

func TestUndeploy_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Apply(ctx, f.manifest)
	require.NoError(t, err)

	require.NoError(t, f.manager.Undeploy(ctx, f.manifest))
	require.NoError(t, f.manager.Undeploy(ctx, f.manifest))
	require.NoError(t, f.manager.Undeploy(ctx, filepath.Join(f.dir, "never-built.yml")))

	_, err = f.client.Dynamic.Resource(deploymentGVR).Namespace("ns").Get(ctx, "hello", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestBuildAndRun_NativeBinary(t *testing.T) {
	f := newFixture(t)
	binary := filepath.Join(f.cfg.BuildOutputDir, "hello-1.0-runner")
	require.NoError(t, os.WriteFile(binary, []byte("ELF"), 0o755))

	require.NoError(t, f.manager.BuildAndRun(context.Background(), "hello"))

	assert.Equal(t, []string{
		"oc start-build hello --from-file=" + binary + " --follow -n ns",
	}, f.recorder.CommandLines())
}

func TestBuildAndRun_ArchiveRemovedEvenOnFailure(t *testing.T) {
	f := newFixture(t)
	classes := filepath.Join(f.cfg.BuildOutputDir, "classes")
	require.NoError(t, os.MkdirAll(classes, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(classes, "App.class"), []byte("cafebabe"), 0o644))

	var archive string
	var entries []string
	f.recorder.OnRun = func(name string, args []string) {
		for _, arg := range args {
			if strings.HasPrefix(arg, "--from-archive=") {
				archive = strings.TrimPrefix(arg, "--from-archive=")
				entries = tarEntries(t, archive)
			}
		}
	}
	buildErr := &command.ExitError{Command: "oc start-build", ExitCode: 1}
	f.recorder.FailWith = func(string, []string) error { return buildErr }

	err := f.manager.BuildAndRun(context.Background(), "hello")
	require.ErrorIs(t, err, buildErr)

	require.NotEmpty(t, archive)
	assert.Contains(t, entries, "target/classes/App.class")
	assert.Contains(t, entries, "target/kubernetes/openshift.yml")

	_, statErr := os.Stat(archive)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "archive should be removed")
}

func TestBuildAndRun_AmbiguousNativeBinary(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.BuildOutputDir, "a-runner"), nil, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.BuildOutputDir, "b-runner"), nil, 0o755))

	err := f.manager.BuildAndRun(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Empty(t, f.recorder.Calls)
}

func TestBuildAndRun_CancelledWhileLocked(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.cfg.BuildLockPath), 0o755))

	// another process holds the lock
	other, err := NewManager(f.client, f.recorder, f.cfg).lock(context.Background())
	require.NoError(t, err)
	defer other()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = f.manager.BuildAndRun(ctx, "hello")
	require.Error(t, err)
	assert.Empty(t, f.recorder.Calls)
}

func TestFindNativeBinary_MissingDir(t *testing.T) {
	_, found, err := FindNativeBinary(filepath.Join(t.TempDir(), "missing"), "**/*-runner")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindNativeBinary_IgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "quarkus-app-runner"), 0o755))

	_, found, err := FindNativeBinary(dir, "**/*-runner")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOverrideImages_Nested(t *testing.T) {
	objects, err := cluster.DecodeManifest(strings.NewReader(`apiVersion: serving.knative.dev/v1
kind: Service
metadata:
  name: hello
spec:
  template:
    spec:
      initContainers:
      - image: busybox
      containers:
      - image: quay.io/acme/hello:1.0
`))
	require.NoError(t, err)

	n := OverrideImages(objects, map[string]string{
		"quay.io/acme/hello:1.0": "localhost:5000/hello:dev",
		"busybox":                "localhost:5000/busybox",
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, OverrideImages(objects, nil))
}

func tarEntries(t *testing.T, path string) []string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gr)

	var names []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
	return names
}
