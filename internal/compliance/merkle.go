package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	leafDomain     = 0x00
	internalDomain = 0x01
)

// Tree is an append-only Merkle tree over a persistent NodeStore. Odd
// nodes at a level are duplicated rather than left unpaired (carry-right),
// so every level after the leaves has ceil(n/2) nodes.
type Tree struct {
	nodes NodeStore
}

func NewTree(nodes NodeStore) *Tree {
	return &Tree{nodes: nodes}
}

func hashLeaf(canonicalPayload []byte) [32]byte {
	return sha256.Sum256(append([]byte{leafDomain}, canonicalPayload...))
}

func hashInternal(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 1+32+32)
	buf = append(buf, internalDomain)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

func toHex(h [32]byte) string    { return hex.EncodeToString(h[:]) }
func fromHex(s string) [32]byte {
	var out [32]byte
	b, _ := hex.DecodeString(s)
	copy(out[:], b)
	return out
}

// Append adds a new leaf at the current size and recomputes every node on
// its path to the root, returning the new root and the leaf's position.
func (t *Tree) Append(ctx context.Context, leafHash [32]byte) (root string, position int64, err error) {
	position, err = t.nodes.Size(ctx)
	if err != nil {
		return "", 0, err
	}

	if err := t.nodes.SetNode(ctx, 0, position, toHex(leafHash)); err != nil {
		return "", 0, err
	}

	levelSize := position + 1
	level := 0
	pos := position
	for levelSize > 1 {
		var siblingPos int64
		var isLeft bool
		if pos%2 == 0 {
			siblingPos = pos + 1
			isLeft = true
		} else {
			siblingPos = pos - 1
			isLeft = false
		}

		var sibling [32]byte
		if siblingPos < levelSize {
			s, ok, err := t.nodes.GetNode(ctx, level, siblingPos)
			if err != nil {
				return "", 0, err
			}
			if !ok {
				return "", 0, fmt.Errorf("compliance: missing node at level %d position %d", level, siblingPos)
			}
			sibling = fromHex(s)
		} else {
			// odd node out: carry itself right
			self, _, err := t.nodes.GetNode(ctx, level, pos)
			if err != nil {
				return "", 0, err
			}
			sibling = fromHex(self)
		}

		self, _, err := t.nodes.GetNode(ctx, level, pos)
		if err != nil {
			return "", 0, err
		}
		var parent [32]byte
		if isLeft {
			parent = hashInternal(fromHex(self), sibling)
		} else {
			parent = hashInternal(sibling, fromHex(self))
		}

		parentPos := pos / 2
		parentLevel := level + 1
		if err := t.nodes.SetNode(ctx, parentLevel, parentPos, toHex(parent)); err != nil {
			return "", 0, err
		}

		pos = parentPos
		level = parentLevel
		levelSize = (levelSize + 1) / 2
	}

	rootHash, ok, err := t.nodes.GetNode(ctx, level, 0)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return "", 0, fmt.Errorf("compliance: root missing after append")
	}
	return rootHash, position, nil
}

// GetProof returns the ordered sibling hashes from leaf i to the root, as
// they existed when the tree had its current size.
func (t *Tree) GetProof(ctx context.Context, i int64) ([]ProofStep, error) {
	size, err := t.nodes.Size(ctx)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= size {
		return nil, fmt.Errorf("compliance: leaf %d out of range (size %d)", i, size)
	}

	var proof []ProofStep
	levelSize := size
	level := 0
	pos := i
	for levelSize > 1 {
		var siblingPos int64
		var side Side
		if pos%2 == 0 {
			siblingPos = pos + 1
			side = SideRight
		} else {
			siblingPos = pos - 1
			side = SideLeft
		}
		if siblingPos >= levelSize {
			siblingPos = pos
		}
		hash, ok, err := t.nodes.GetNode(ctx, level, siblingPos)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("compliance: missing proof node at level %d position %d", level, siblingPos)
		}
		proof = append(proof, ProofStep{Hash: hash, Side: side})

		pos /= 2
		level++
		levelSize = (levelSize + 1) / 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf hash and its proof and compares
// it against the tree's current stored root.
func (t *Tree) Verify(ctx context.Context, i int64, leafHash [32]byte, proof []ProofStep) (bool, error) {
	size, err := t.nodes.Size(ctx)
	if err != nil {
		return false, err
	}
	var root string
	if size == 0 {
		root = ZeroRoot
	} else {
		level := topLevel(size)
		r, ok, err := t.nodes.GetNode(ctx, level, 0)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("compliance: root missing")
		}
		root = r
	}

	cur := leafHash
	for _, step := range proof {
		sib := fromHex(step.Hash)
		if step.Side == SideRight {
			cur = hashInternal(cur, sib)
		} else {
			cur = hashInternal(sib, cur)
		}
	}
	return toHex(cur) == root, nil
}

func topLevel(size int64) int {
	level := 0
	for size > 1 {
		size = (size + 1) / 2
		level++
	}
	return level
}

// CurrentRoot returns the tree's root at its current size.
func (t *Tree) CurrentRoot(ctx context.Context) (string, error) {
	size, err := t.nodes.Size(ctx)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return ZeroRoot, nil
	}
	hash, ok, err := t.nodes.GetNode(ctx, topLevel(size), 0)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("compliance: root missing")
	}
	return hash, nil
}
