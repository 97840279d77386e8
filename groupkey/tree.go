// Package groupkey implements the TreeKEM-like group key agreement
// described in spec section 4.7: a balanced binary tree of TreeNodes over
// member leaves, epoch-based rekey, and group AEAD. It is grounded on the
// prior-language reference src/crypto/treekem.rs (x25519_dalek +
// chacha20poly1305 + hkdf), translated onto the same
// golang.org/x/crypto primitives the teacher's neighbor repository
// awenaw-wireguard-go already pulls in.
package groupkey

import "github.com/kestrelmesh/kestrel/meshid"

// TreeNode is one arena-indexed node of a group's key tree (spec section
// 3). Leaves carry a public key; every non-leaf has at least one child;
// the tree is connected and acyclic by construction.
type TreeNode struct {
	NodeId    uint32
	PublicKey *[32]byte
	ParentId  *uint32
	Children  []uint32
}

func (n TreeNode) isLeaf() bool { return len(n.Children) == 0 }

type leafSpec struct {
	device meshid.DeviceId
	pubKey [32]byte
}

// buildTree implements the normative balancing algorithm of spec section
// 4.7: pair leaves level by level in insertion order; an odd straggler
// duplicates its index and is paired with itself at the next level (its
// parent's Children both reference it); stop when one node remains (the
// root). Node ids are allocated monotonically starting from *nextId,
// which the caller persists across rebuilds so ids are never reused
// within an epoch.
func buildTree(leaves []leafSpec, nextId *uint32) (map[uint32]TreeNode, uint32, map[meshid.DeviceId]uint32) {
	tree := make(map[uint32]TreeNode)
	members := make(map[meshid.DeviceId]uint32, len(leaves))

	if len(leaves) == 0 {
		return tree, 0, members
	}

	level := make([]uint32, 0, len(leaves))
	for _, l := range leaves {
		id := *nextId
		*nextId++
		pk := l.pubKey
		tree[id] = TreeNode{NodeId: id, PublicKey: &pk}
		members[l.device] = id
		level = append(level, id)
	}

	for len(level) > 1 {
		next := make([]uint32, 0, (len(level)+1)/2)
		i := 0
		for i+1 < len(level) {
			left, right := level[i], level[i+1]
			parentId := *nextId
			*nextId++
			parent := TreeNode{NodeId: parentId, Children: []uint32{left, right}}
			tree[parentId] = parent

			l := tree[left]
			l.ParentId = &parentId
			tree[left] = l

			r := tree[right]
			r.ParentId = &parentId
			tree[right] = r

			next = append(next, parentId)
			i += 2
		}
		if i < len(level) {
			straggler := level[i]
			parentId := *nextId
			*nextId++
			parent := TreeNode{NodeId: parentId, Children: []uint32{straggler, straggler}}
			tree[parentId] = parent

			s := tree[straggler]
			s.ParentId = &parentId
			tree[straggler] = s

			next = append(next, parentId)
		}
		level = next
	}

	return tree, level[0], members
}

// pathToRoot returns the ancestor chain from node's parent up to and
// including the root, in leaf-to-root order.
func pathToRoot(tree map[uint32]TreeNode, nodeId uint32) []uint32 {
	var path []uint32
	cur, ok := tree[nodeId]
	if !ok {
		return path
	}
	for cur.ParentId != nil {
		path = append(path, *cur.ParentId)
		cur = tree[*cur.ParentId]
	}
	return path
}
