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

package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	DocumentID string `json:"documentId"`
	Update     []byte `json:"update"`
	OriginID   string `json:"originId,omitempty"`
}

func TestBytesAsBase64(t *testing.T) {
	data, err := Marshal(envelope{DocumentID: "ws-1", Update: []byte{0x00, 0xff}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"documentId":"ws-1","update":"AP8="}`, string(data))
	assert.True(t, Valid(data))

	var out envelope
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, []byte{0x00, 0xff}, out.Update)
	assert.Empty(t, out.OriginID)
}
