// Package sys reads host CPU information used to default Configuration
// knobs (clients.max-connections per spec §4.1). Grounded on the
// teacher's sys/cpu.go.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package sys

import (
	"runtime"

	"github.com/julea-io/julea-go/internal/nlog"
)

var (
	contCPUs      int
	containerized bool
)

func init() {
	contCPUs = runtime.NumCPU()
	if containerized = isContainerized(); containerized {
		if c, err := containerNumCPU(); err == nil {
			contCPUs = c
		} else {
			nlog.Errorln(err)
		}
	}
}

func Containerized() bool { return containerized }

// NumCPU returns the number of CPUs available to this process, adjusted
// for cgroup CPU quota when running containerized; used as the default
// for Configuration's clients.max-connections.
func NumCPU() int { return contCPUs }
