// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package version

import "testing"

func TestDefaultVersion(t *testing.T) {
	if Version == "" {
		t.Fatal("Version must never be empty")
	}
}
