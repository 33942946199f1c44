package catalog

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func testRaw() *Raw {
	return &Raw{
		Name:        "web01.example.com",
		Version:     "1693526400",
		Environment: "production",
		Classes:     []string{"nginx", "base"},
		Resources: []Resource{
			{Type: "package", Title: "nginx"},
			{Type: "file", Title: "/etc/nginx/nginx.conf"},
			{Type: "service", Title: "nginx"},
		},
		Edges: []Edge{
			{Source: "Package[nginx]", Target: "File[/etc/nginx/nginx.conf]"},
			{Source: "File[/etc/nginx/nginx.conf]", Target: "Service[nginx]"},
		},
	}
}

func TestParseRaw(t *testing.T) {
	raw, err := ParseRaw([]byte(`{"name":"web01","version":"1","resources":[{"type":"file","title":"/tmp/a"}]}`))
	if err != nil {
		t.Fatalf("ParseRaw failed: %v", err)
	}
	if raw.Name != "web01" {
		t.Errorf("unexpected name: %s", raw.Name)
	}
	if len(raw.Resources) != 1 {
		t.Errorf("unexpected resources: %d", len(raw.Resources))
	}
}

func TestParseRawRejectsBadPayload(t *testing.T) {
	if _, err := ParseRaw([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseRaw([]byte(`{"resources":[]}`)); err == nil {
		t.Error("expected error for missing node name")
	}
}

func TestResourceRef(t *testing.T) {
	r := Resource{Type: "file", Title: "/etc/motd"}
	if ref := r.Ref(); ref != "File[/etc/motd]" {
		t.Errorf("unexpected ref: %s", ref)
	}
}

func TestFinalizeComputesOrder(t *testing.T) {
	c, err := New(testRaw())
	if err != nil {
		t.Fatal(err)
	}
	if c.Finalized() {
		t.Fatal("catalog should not be finalized before Finalize")
	}

	if err := c.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if !c.Finalized() {
		t.Fatal("catalog should be finalized")
	}

	want := []string{"Package[nginx]", "File[/etc/nginx/nginx.conf]", "Service[nginx]"}
	if got := c.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected order: %v", got)
	}

	deps := c.Dependencies("Service[nginx]")
	if !reflect.DeepEqual(deps, []string{"File[/etc/nginx/nginx.conf]"}) {
		t.Errorf("unexpected dependencies: %v", deps)
	}
}

func TestFinalizeLocksCatalog(t *testing.T) {
	c, err := New(testRaw())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Finalize(); err != nil {
		t.Fatal(err)
	}

	if err := c.AddResource(Resource{Type: "file", Title: "/tmp/late"}); err == nil {
		t.Error("expected AddResource to fail on a finalized catalog")
	}
	if err := c.AddEdge(Edge{Source: "Package[nginx]", Target: "Service[nginx]"}); err == nil {
		t.Error("expected AddEdge to fail on a finalized catalog")
	}

	// Finalizing twice is a no-op
	if err := c.Finalize(); err != nil {
		t.Errorf("second Finalize should be a no-op: %v", err)
	}
}

func TestFinalizeDetectsCycle(t *testing.T) {
	raw := testRaw()
	raw.Edges = append(raw.Edges, Edge{Source: "Service[nginx]", Target: "Package[nginx]"})

	c, err := New(raw)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Finalize()
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFinalizeRejectsUnknownEdgeTarget(t *testing.T) {
	raw := testRaw()
	raw.Edges = append(raw.Edges, Edge{Source: "Package[nginx]", Target: "Service[ghost]"})

	c, err := New(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Finalize(); err == nil {
		t.Fatal("expected error for unknown edge target")
	}
}

func TestNewRejectsDuplicateResources(t *testing.T) {
	raw := testRaw()
	raw.Resources = append(raw.Resources, Resource{Type: "package", Title: "nginx"})

	if _, err := New(raw); err == nil {
		t.Fatal("expected duplicate resource error")
	}
}

func TestWriteClassFile(t *testing.T) {
	c, err := New(testRaw())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "classes.txt")
	if err := c.WriteClassFile(path); err != nil {
		t.Fatalf("WriteClassFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "base\nnginx\n" {
		t.Errorf("unexpected class file content: %q", data)
	}
}

func TestWriteResourceFile(t *testing.T) {
	c, err := New(testRaw())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "resources.txt")
	if err := c.WriteResourceFile(path); err != nil {
		t.Fatalf("WriteResourceFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Errorf("expected 3 resource lines, got %d: %q", len(lines), data)
	}
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	cv := NewConverter(filepath.Join(dir, "classes.txt"), filepath.Join(dir, "resources.txt"))

	c, err := cv.Convert(testRaw(), 250*time.Millisecond)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	if !c.Finalized() {
		t.Error("converted catalog must be finalized")
	}
	if c.RetrievalDuration != 250*time.Millisecond {
		t.Errorf("unexpected retrieval duration: %v", c.RetrievalDuration)
	}
	if _, err := os.Stat(filepath.Join(dir, "classes.txt")); err != nil {
		t.Errorf("class file not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "resources.txt")); err != nil {
		t.Errorf("resource file not written: %v", err)
	}
}

func TestConvertFailurePropagates(t *testing.T) {
	raw := testRaw()
	raw.Edges = append(raw.Edges, Edge{Source: "Service[nginx]", Target: "Package[nginx]"})

	cv := NewConverter("", "")
	if _, err := cv.Convert(raw, 0); err == nil {
		t.Fatal("expected conversion failure for cyclic catalog")
	}
}

func TestConvertClassFileFailure(t *testing.T) {
	// Class file in a nonexistent directory: the write is a hard
	// requirement, so conversion fails.
	cv := NewConverter("/nonexistent/dir/classes.txt", "")
	if _, err := cv.Convert(testRaw(), 0); err == nil {
		t.Fatal("expected conversion failure for unwritable class file")
	}
}
