//go:build linux

package sys

import (
	"bufio"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/julea-io/julea-go/internal/cos"
)

const (
	rootProcess   = "/proc/1/cgroup"
	contCPULimit  = "/sys/fs/cgroup/cpu/cpu.cfs_quota_us"
	contCPUPeriod = "/sys/fs/cgroup/cpu/cpu.cfs_period_us"
)

// isContainerized returns true if the process is running inside a
// container (docker/lxc/k8s).
func isContainerized() (yes bool) {
	f, err := os.Open(rootProcess)
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, "docker") || strings.Contains(line, "lxc") || strings.Contains(line, "kube") {
			return true
		}
	}
	return false
}

func readOneInt64(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
}

// affinityNumCPU counts the CPUs in the process's scheduling affinity
// mask; zero when the mask cannot be read.
func affinityNumCPU() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0
	}
	return set.Count()
}

// containerNumCPU approximates the number of CPUs allocated to the
// container from its cfs_quota_us/cfs_period_us cgroup files. When no
// quota is set, it returns the affinity mask's CPU count if that is
// smaller than runtime.NumCPU(); a quota-derived count is not capped by
// the affinity mask.
func containerNumCPU() (int, error) {
	quotaInt, err := readOneInt64(contCPULimit)
	if err != nil {
		return 0, err
	}
	if quotaInt <= 0 {
		if n := affinityNumCPU(); n > 0 && n < runtime.NumCPU() {
			return n, nil
		}
		return runtime.NumCPU(), nil
	}
	period, err := readOneInt64(contCPUPeriod)
	if err != nil {
		return 0, err
	}
	if period == 0 {
		return 0, errors.New("failed to read container CPU info")
	}
	approx := (uint64(quotaInt) + uint64(period) - 1) / uint64(period)
	return int(cos.MaxU64(approx, 1)), nil
}
