//go:build !hdfs

// Package backend contains implementation of various backend providers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"errors"

	"github.com/julea-io/julea-go/internal/cos"
)

func OpenHDFS(string, string, string) (Provider, error) {
	return nil, cos.NewConfigError("backend.OpenHDFS", errors.New("built without hdfs support"))
}
