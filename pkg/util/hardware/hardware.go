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
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
)

// GetCPUNum returns the count of cpu core.
func GetCPUNum() int {
	//nolint
	cur := runtime.GOMAXPROCS(0)
	if cur <= 0 {
		//nolint
		cur = runtime.NumCPU()
	}
	return cur
}

// GetPhysicalCPUNum 返回物理核数，获取失败时退回到 GetCPUNum。
func GetPhysicalCPUNum() int {
	n, err := cpu.Counts(false)
	if err != nil || n <= 0 {
		log.Warn("failed to get physical cpu count", zap.Error(err))
		return GetCPUNum()
	}
	return n
}

// GetMemoryCount returns the memory count in bytes.
func GetMemoryCount() uint64 {
	stats, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to get memory count", zap.Error(err))
		return 0
	}
	return stats.Total
}

// GetUsedMemoryCount returns the memory usage in bytes.
func GetUsedMemoryCount() uint64 {
	stats, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to get memory usage count", zap.Error(err))
		return 0
	}
	return stats.Used
}

// GetFreeMemoryCount returns the free memory in bytes.
func GetFreeMemoryCount() uint64 {
	return GetMemoryCount() - GetUsedMemoryCount()
}

// DefaultPoolSize 返回后台协程池的推荐容量：CPU 核数的 4 倍，至少 8。
func DefaultPoolSize() int {
	n := GetCPUNum() * 4
	if n < 8 {
		n = 8
	}
	return n
}

// DefaultEncoderConcurrency 返回压缩编码器推荐并发度，与物理核数一致，至多 8。
func DefaultEncoderConcurrency() int {
	n := GetPhysicalCPUNum()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}
