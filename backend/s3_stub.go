//go:build !s3

// Package backend contains implementation of various backend providers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"
	"errors"

	"github.com/julea-io/julea-go/internal/cos"
)

func OpenS3(context.Context, string, string) (Provider, error) {
	return nil, cos.NewConfigError("backend.OpenS3", errors.New("built without s3 support"))
}
