/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package cleanup

import (
	"context"
	"testing"
	"time"
)

func TestDoSurvivesParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	Do(parent, func(ctx context.Context) {
		if err := ctx.Err(); err != nil {
			t.Errorf("cleanup context already done: %v", err)
		}
	})
}

func TestDoHasDeadline(t *testing.T) {
	Do(context.Background(), func(ctx context.Context) {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("cleanup context has no deadline")
		}
		if remaining := time.Until(deadline); remaining > cleanupTimeout {
			t.Errorf("deadline too far out: %v", remaining)
		}
	})
}

func TestDoPreservesValues(t *testing.T) {
	type keyType struct{}
	parent := context.WithValue(context.Background(), keyType{}, "v")

	Do(parent, func(ctx context.Context) {
		if ctx.Value(keyType{}) != "v" {
			t.Error("context values not preserved")
		}
	})
}
