package utils

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// GetHardwareAccelArgs 获取硬件加速参数
func GetHardwareAccelArgs(gpuType string) []string {
	switch strings.ToLower(gpuType) {
	case "nvidia", "cuda":
		return []string{"-hwaccel", "cuda"}
	case "amd", "opencl":
		return []string{"-hwaccel", "opencl"}
	case "intel", "qsv":
		return []string{"-hwaccel", "qsv"}
	case "vaapi":
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	case "videotoolbox":
		if runtime.GOOS == "darwin" {
			return []string{"-hwaccel", "videotoolbox"}
		}
	}
	return []string{"-hwaccel", "none"}
}

// ResolveGPUType turns the configured value into a concrete accelerator.
// "auto" probes the host; an empty value means CPU.
func ResolveGPUType(configured string) string {
	switch strings.ToLower(configured) {
	case "", "cpu", "none":
		return "cpu"
	case "auto":
		return DetectGPUType()
	default:
		return strings.ToLower(configured)
	}
}

// DetectGPUType 检测GPU类型
func DetectGPUType() string {
	if commandSucceeds("nvidia-smi") {
		return "nvidia"
	}
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/dev/dri/renderD128"); err == nil {
			return "vaapi"
		}
	}
	if commandSucceeds("rocm-smi") {
		return "amd"
	}
	if runtime.GOOS == "darwin" {
		return "videotoolbox"
	}
	return "cpu"
}

func commandSucceeds(name string, args ...string) bool {
	return exec.Command(name, args...).Run() == nil
}
