// Copyright (c) 2026 John Earle
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

package pipeline

import "sync"

// userLocks serializes contact mutations per user so concurrent replies
// cannot interleave dialog appends or double-book a status transition.
// Striped, so unrelated users rarely contend.
type userLocks struct {
	stripes [64]sync.Mutex
}

func (l *userLocks) lock(userID int64) *sync.Mutex {
	m := &l.stripes[uint64(userID)%uint64(len(l.stripes))]
	m.Lock()
	return m
}
