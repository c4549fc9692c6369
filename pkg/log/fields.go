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

package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameDocument  = "documentId"
	FieldNameWorkspace = "workspaceId"
	FieldNameSession   = "sessionId"
	FieldNameUser      = "userId"
	FieldNameStage     = "stage"
)

func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

func FieldDocument(documentID string) zap.Field {
	return zap.String(FieldNameDocument, documentID)
}

func FieldWorkspace(workspaceID string) zap.Field {
	return zap.String(FieldNameWorkspace, workspaceID)
}

func FieldSession(sessionID string) zap.Field {
	return zap.String(FieldNameSession, sessionID)
}

func FieldUser(userID string) zap.Field {
	return zap.String(FieldNameUser, userID)
}

// FieldStage 标记错误发生在收发链路的哪个阶段。
func FieldStage(stage string) zap.Field {
	return zap.String(FieldNameStage, stage)
}
