package molimg

import "strings"

// Architectures contains one entry for each target architecture the tree
// keeps an obj-<arch> directory for.
var Architectures = map[string]bool{
	"ppc":   true,
	"ppc64": true,
}

// DefaultArch is the architecture used when none is specified.
const DefaultArch = "ppc"

// ObjDirArch returns the architecture identifier of an obj-<arch> path
// component contained in path (e.g. ../../obj-ppc/include), if any.
func ObjDirArch(path string) (arch string, ok bool) {
	for _, c := range strings.Split(path, "/") {
		if !strings.HasPrefix(c, "obj-") {
			continue
		}
		if a := strings.TrimPrefix(c, "obj-"); Architectures[a] {
			return a, true
		}
	}
	return "", false
}
