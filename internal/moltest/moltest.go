// Package moltest provides fixtures for tests which need an emulator source
// tree.
package moltest

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

// Header is installed as src/shared/mol-img.h by Tree.
const Header = "#define MOL_IMG_MB (1024 * 1024)\n"

// Sources are the default extension sources, as installed by Tree when no
// sources are given.
var Sources = map[string]string{
	"py-mol-img.c":  "#include \"mol-img.h\"\nint py_mol_img(void) { return MOL_IMG_MB; }\n",
	"mol-img-lib.c": "#include \"mol-img.h\"\nint create_img_raw(void) { return 0; }\n",
}

// Tree creates the directory layout of the emulator tree in a temporary
// directory, with the given C sources (Sources if nil) in util/img, and
// returns the util/img directory.
func Tree(t testing.TB, sources map[string]string) string {
	t.Helper()
	if sources == nil {
		sources = Sources
	}
	root, err := ioutil.TempDir("", "moltest")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { RemoveAll(t, root) })
	imgDir := filepath.Join(root, "util", "img")
	for _, dir := range []string{
		imgDir,
		filepath.Join(root, "src", "include"),
		filepath.Join(root, "src", "shared"),
		filepath.Join(root, "obj-ppc", "include"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := ioutil.WriteFile(filepath.Join(root, "src", "shared", "mol-img.h"), []byte(Header), 0644); err != nil {
		t.Fatal(err)
	}
	for name, content := range sources {
		if err := ioutil.WriteFile(filepath.Join(imgDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return imgDir
}

// RemoveAll wraps os.RemoveAll and fails the test on failure.
func RemoveAll(t testing.TB, path string) {
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
