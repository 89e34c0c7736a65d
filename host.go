package nsfw

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostFeatures lists the SIMD extensions relevant to the generic CPU path.
func HostFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
		if cpu.X86.HasAVX {
			features = append(features, "avx")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasFMA {
			features = append(features, "fma")
		}
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "fp16")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "sve")
		}
	}
	return features
}
