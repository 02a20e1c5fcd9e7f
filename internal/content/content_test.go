package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writePackage(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("error creating package directory: %v", err)
		}
		if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
			t.Fatalf("error writing package file: %v", err)
		}
	}
	return dir
}

func TestHash(t *testing.T) {
	files := map[string]string{
		"filelist.xml":      "<contentpackage/>",
		"Items/Weapons.xml": "<Items/>",
		"Subs/Humpback.sub": "hull",
	}
	a := writePackage(t, files)
	b := writePackage(t, files)

	hashA, err := Hash(Definition{Name: "Mod", Version: "1.0", Path: a})
	if err != nil {
		t.Fatalf("Hash() returned an unexpected error: %v", err)
	}
	hashB, _ := Hash(Definition{Name: "Mod", Version: "1.0", Path: b})
	if hashA != hashB {
		t.Errorf("expected identical packages to hash the same, got %s and %s", hashA, hashB)
	}
	if len(hashA) != 64 {
		t.Errorf("expected a 32 byte hex digest, got %q", hashA)
	}

	if err := os.WriteFile(filepath.Join(b, "Subs", "Humpback.sub"), []byte("hull breach"), 0644); err != nil {
		t.Fatal(err)
	}
	changed, _ := Hash(Definition{Name: "Mod", Version: "1.0", Path: b})
	if changed == hashA {
		t.Error("expected a modified file to change the hash")
	}

	bumped, _ := Hash(Definition{Name: "Mod", Version: "1.1", Path: a})
	if bumped == hashA {
		t.Error("expected the version to contribute to the hash")
	}

	if _, err := Hash(Definition{Name: "Missing", Path: filepath.Join(a, "nope")}); err == nil {
		t.Error("expected a missing package path to fail")
	}
}

func TestRegistry_Manifest(t *testing.T) {
	ctx := context.Background()
	dir := writePackage(t, map[string]string{"filelist.xml": "<contentpackage/>"})

	r := NewRegistry()
	defs := []Definition{
		{Name: "Vanilla", Version: "1.2.7.0"},
		{Name: "Better Sonar", Version: "0.3", Path: dir},
	}
	if err := r.Load(ctx, defs); err != nil {
		t.Fatalf("Load() returned an unexpected error: %v", err)
	}

	manifest, err := r.Manifest(ctx)
	if err != nil {
		t.Fatalf("Manifest() returned an unexpected error: %v", err)
	}
	var gotNames []string
	for _, p := range manifest {
		gotNames = append(gotNames, p.Name)
		if p.Hash == "" {
			t.Errorf("expected package %s to have a hash", p.Name)
		}
	}
	if diff := cmp.Diff([]string{"Vanilla", "Better Sonar"}, gotNames); diff != "" {
		t.Errorf("manifest order mismatch; diff:\n%s", diff)
	}
}
