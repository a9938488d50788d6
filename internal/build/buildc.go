package build

import (
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
)

// sourcePath returns p as it appears in build steps: relative paths are
// anchored at ${MOL_SOURCEDIR}.
func sourcePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return "${MOL_SOURCEDIR}/" + p
}

func objectName(src string) string {
	base := filepath.Base(src)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".o"
}

// Steps returns the argv of one compile step per source (in declaration
// order) and of the final link step. Arguments contain ${MOL_*} variables
// which are substituted when the steps run.
func (b *Ctx) Steps() (compile [][]string, link []string, _ error) {
	var flags []string
	flags = append(flags, "-fPIC")
	flags = append(flags, b.CFlags...)
	for _, dir := range b.Ext.IncludeDirs {
		flags = append(flags, "-I"+sourcePath(dir))
	}
	for _, dir := range b.HostIncludes {
		flags = append(flags, "-I"+dir)
	}
	for _, def := range b.Ext.Defines {
		flags = append(flags, "-D"+def)
	}

	objs := make(map[string]string)
	link = []string{b.Compiler, "-shared"}
	for _, src := range b.Ext.Sources {
		obj := objectName(src)
		if other, ok := objs[obj]; ok {
			return nil, nil, xerrors.Errorf("sources %s and %s both compile to %s", other, src, obj)
		}
		objs[obj] = src
		step := append([]string{b.Compiler}, flags...)
		step = append(step,
			"-c", sourcePath(src),
			"-o", "${MOL_BUILDDIR}/"+obj)
		compile = append(compile, step)
		link = append(link, "${MOL_BUILDDIR}/"+obj)
	}
	link = append(link, "-o", "${MOL_BUILDDIR}/${MOL_OUTPUT}")
	for _, lib := range b.Ext.Libraries {
		link = append(link, "-l"+lib)
	}
	return compile, link, nil
}
