package simdev

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/runner/builder"
	"github.com/pkg/errors"
)

var kernelDecl = regexp.MustCompile(`(?:(?:__kernel|\bkernel)\s+void|\bvoid\s+(?:__kernel|kernel))\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// BuildProgram "compiles" OpenCL C source: every kernel declared in the text
// must have a registered Go implementation, otherwise the build fails with a
// log naming the undefined symbols.
func (rt *Runtime) BuildProgram(c accel.Context, d accel.Device, src builder.KernelSource) (accel.Program, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ctx, err := rt.lookup(accel.OpBuildProgram, accel.Handle(c), kindContext, accel.CodeInvalidContext)
	if err != nil {
		return accel.Program{}, err
	}
	if ctx.device.ID != d.ID {
		return accel.Program{}, rt.invalid(accel.OpBuildProgram, accel.CodeInvalidDevice, "device %s not in context %s", d.Handle, accel.Handle(c))
	}
	if err := src.Validate(); err != nil {
		return accel.Program{}, accel.NewError(accel.OpBuildProgram, accel.CodeInvalidValue, errors.Wrap(accel.ErrProgramBuild, err.Error()))
	}
	if f, ok := rt.call(accel.OpBuildProgram); ok {
		e := rt.faultError(accel.OpBuildProgram, f)
		if f.Code == accel.CodeSuccess {
			e.Code = accel.CodeBuildProgramFailure
		}
		return accel.Program{}, e
	}

	entries, log := rt.compile(src)
	if log != "" {
		e := accel.NewError(accel.OpBuildProgram, accel.CodeBuildProgramFailure,
			errors.Wrapf(accel.ErrProgramBuild, "%s", src))
		e.Log = log
		return accel.Program{}, e
	}
	h := rt.addObject(&object{kind: kindProgram, parent: c.ID, device: d, entries: entries}, src.Entry)
	rt.timeline.add(StageCreated, accel.OpBuildProgram, h.ID, "")
	return accel.Program(h), nil
}

// compile returns the kernel entry points of src, or a non-empty build log.
func (rt *Runtime) compile(src builder.KernelSource) ([]string, string) {
	if src.Dialect != builder.DialectOpenCL {
		return nil, fmt.Sprintf("error: %s source is not supported by this device compiler\n", src.Dialect)
	}
	text := src.Text()
	var (
		entries []string
		log     strings.Builder
	)
	for _, m := range kernelDecl.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		line := 1 + strings.Count(text[:m[0]], "\n")
		if _, ok := rt.kernels[name]; !ok {
			fmt.Fprintf(&log, "<kernel>:%d: error: undefined symbol '%s'\n", line, name)
			continue
		}
		entries = append(entries, name)
	}
	if len(entries) == 0 && log.Len() == 0 {
		log.WriteString("error: program declares no kernel functions\n")
	}
	return entries, log.String()
}
