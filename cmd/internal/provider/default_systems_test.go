// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"slices"
	"testing"

	"github.com/merklerelay/relay/storage"
)

func TestDefaultStorageSystem(t *testing.T) {
	providers := storage.Providers()
	if !slices.Contains(providers, "memory") {
		t.Errorf("Providers() = %v, want memory linked in", providers)
	}
	if !slices.Contains(providers, DefaultStorageSystem) {
		t.Errorf("DefaultStorageSystem %q is not one of %v", DefaultStorageSystem, providers)
	}
}
