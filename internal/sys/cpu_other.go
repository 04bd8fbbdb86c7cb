//go:build !linux

package sys

func isContainerized() bool                { return false }
func containerNumCPU() (int, error)        { return 0, nil }
