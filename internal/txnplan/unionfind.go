// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package txnplan

type unionFind struct {
	parent map[ref]ref
	rank   map[ref]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: map[ref]ref{}, rank: map[ref]int{}}
}

func (u *unionFind) add(r ref) {
	if _, ok := u.parent[r]; !ok {
		u.parent[r] = r
	}
}

func (u *unionFind) find(r ref) ref {
	u.add(r)
	for u.parent[r] != r {
		u.parent[r] = u.parent[u.parent[r]]
		r = u.parent[r]
	}
	return r
}

func (u *unionFind) union(a, b ref) {
	ra, rb := u.find(a), u.find(b)
	switch {
	case ra == rb:
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
