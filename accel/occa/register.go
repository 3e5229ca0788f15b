package occa

import (
	"strings"

	"github.com/notargets/vecoffload/accel"
)

// RuntimeName is the registry name of the OCCA runtime. Its config string is a
// "+" separated list of OCCA modes to probe, e.g. "occa:CUDA+Serial".
const RuntimeName = "occa"

func init() {
	accel.Register(RuntimeName, open)
}

func splitModes(config string) []string {
	var modes []string
	for _, m := range strings.Split(config, "+") {
		if m = strings.TrimSpace(m); m != "" {
			modes = append(modes, m)
		}
	}
	return modes
}
