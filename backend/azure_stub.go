//go:build !azure

// Package backend contains implementation of various backend providers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"errors"

	"github.com/julea-io/julea-go/internal/cos"
)

func OpenAzure(string, string, string, string, string) (Provider, error) {
	return nil, cos.NewConfigError("backend.OpenAzure", errors.New("built without azure support"))
}
