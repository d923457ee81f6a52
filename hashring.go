// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"cmp"
	"strconv"

	rb "github.com/glycerine/rbtree"
	"github.com/spaolacci/murmur3"
)

type ringPoint struct {
	hash     uint32
	serverID string
}

// hashRing places replicas points per server on a 32-bit ring ordered by
// an rbtree. A key maps to the first point at or after its hash, wrapping
// to the lowest point.
type hashRing struct {
	tree *rb.Tree
}

func newHashRing(serverIDs []string, replicas int) *hashRing {
	if replicas <= 0 {
		replicas = DefaultHashReplicas
	}
	r := &hashRing{
		tree: rb.NewTree(func(a, b rb.Item) int {
			pa, pb := a.(*ringPoint), b.(*ringPoint)
			if c := cmp.Compare(pa.hash, pb.hash); c != 0 {
				return c
			}
			return cmp.Compare(pa.serverID, pb.serverID)
		}),
	}
	for _, id := range serverIDs {
		for i := 0; i < replicas; i++ {
			r.tree.Insert(&ringPoint{
				hash:     ringHash(id + "#" + strconv.Itoa(i)),
				serverID: id,
			})
		}
	}
	return r
}

func (r *hashRing) get(key string) (string, bool) {
	if r.tree.Len() == 0 {
		return "", false
	}
	it := r.tree.FindGE(&ringPoint{hash: ringHash(key)})
	if it.Limit() {
		it = r.tree.Min()
	}
	return it.Item().(*ringPoint).serverID, true
}

// ringHash goes through the streaming hasher: murmur3.Sum32 does pointer
// arithmetic past the input slice that -race (checkptr) rejects.
func ringHash(key string) uint32 {
	h := murmur3.New32()
	h.Write([]byte(key))
	return h.Sum32()
}
