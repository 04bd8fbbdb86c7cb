//go:build !gcp

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

func OpenGCS(context.Context, string, string) (Provider, error) {
	return nil, cos.NewConfigError("backend.OpenGCS", errors.New("built without gcp support"))
}
