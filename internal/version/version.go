// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version holds the gateway version, populated by the Go linker.
package version

// Version is set at build time:
//
//	go build -ldflags "-X github.com/adaptercritic/gateway/internal/version.Version=v0.2.0"
var Version = "dev"
