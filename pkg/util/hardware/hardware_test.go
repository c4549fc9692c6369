// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHardware(t *testing.T) {
	assert.Greater(t, GetCPUNum(), 0)
	assert.Greater(t, GetPhysicalCPUNum(), 0)
	assert.GreaterOrEqual(t, DefaultPoolSize(), 8)

	c := DefaultEncoderConcurrency()
	assert.GreaterOrEqual(t, c, 1)
	assert.LessOrEqual(t, c, 8)

	assert.Greater(t, GetMemoryCount(), uint64(0))
}
