package distribution

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrNonIntegerAmount rejects leaf amounts that are not non-negative
// integers fitting 128 bits; the leaf encoding is fixed-width.
var ErrNonIntegerAmount = errors.New("leaf amount must be a non-negative 128-bit integer")

// Leaf is one (address, amount) allocation entering the tree.
type Leaf struct {
	Address common.Address
	Amount  decimal.Decimal
}

// LeafHash computes the leaf digest: the 20-byte address concatenated
// with the SHA-256 of the amount encoded as a 16-byte big-endian
// integer, all hashed with SHA-256. The encoding is a wire contract
// shared with the on-chain verifier and must not change.
func LeafHash(leaf Leaf) ([32]byte, error) {
	if !leaf.Amount.IsInteger() || leaf.Amount.IsNegative() {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrNonIntegerAmount, leaf.Amount)
	}
	bi := leaf.Amount.BigInt()
	if bi.BitLen() > 128 {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrNonIntegerAmount, leaf.Amount)
	}
	var amount [16]byte
	bi.FillBytes(amount[:])

	amountHash := sha256.Sum256(amount[:])
	buf := make([]byte, 0, common.AddressLength+sha256.Size)
	buf = append(buf, leaf.Address.Bytes()...)
	buf = append(buf, amountHash[:]...)
	return sha256.Sum256(buf), nil
}

func parentHash(a, b [32]byte) [32]byte {
	// pair order is canonicalized so verifiers need no position bits
	if greater(a, b) {
		a, b = b, a
	}
	buf := make([]byte, 0, 2*sha256.Size)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return sha256.Sum256(buf)
}

func greater(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// Tree is a computed Merkle tree over a set of allocation leaves.
type Tree struct {
	root   [32]byte
	leaves []Leaf
	hashes [][32]byte
	levels [][][32]byte
}

// NewTree builds the tree. Leaves are sorted by address before hashing
// so the same allocation set always yields the same root. An odd node
// at any level is promoted unchanged.
func NewTree(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("merkle tree needs at least one leaf")
	}
	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Address.Cmp(sorted[j].Address) < 0
	})

	hashes := make([][32]byte, len(sorted))
	for i, leaf := range sorted {
		h, err := LeafHash(leaf)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}

	levels := [][][32]byte{hashes}
	level := hashes
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, parentHash(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{
		root:   level[0],
		leaves: sorted,
		hashes: hashes,
		levels: levels,
	}, nil
}

// Root returns the tree root.
func (t *Tree) Root() [32]byte {
	return t.root
}

// RootHex returns the tree root as lowercase hex.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.root[:])
}

// Proof serializes the inclusion path of the leaf at index i: the leaf
// hash, each sibling from bottom to top, then the root, space-separated
// hex. The serialization is a wire contract; claims submit it verbatim.
func (t *Tree) Proof(i int) (string, error) {
	if i < 0 || i >= len(t.hashes) {
		return "", fmt.Errorf("leaf index %d out of range", i)
	}
	parts := []string{hex.EncodeToString(t.hashes[i][:])}
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			parts = append(parts, hex.EncodeToString(level[sibling][:]))
		}
		idx /= 2
	}
	parts = append(parts, hex.EncodeToString(t.root[:]))
	return strings.Join(parts, " "), nil
}

// Leaves returns the leaves in tree order.
func (t *Tree) Leaves() []Leaf {
	return t.leaves
}

// VerifyProof checks a serialized proof against a leaf. It recomputes
// the leaf hash, folds the siblings upward, and requires the result to
// equal both the proof's trailing root and root.
func VerifyProof(leaf Leaf, proof string, root [32]byte) (bool, error) {
	parts := strings.Fields(proof)
	if len(parts) < 2 {
		return false, errors.New("proof too short")
	}

	want, err := LeafHash(leaf)
	if err != nil {
		return false, err
	}
	first, err := decodeHash(parts[0])
	if err != nil {
		return false, err
	}
	if first != want {
		return false, nil
	}

	current := want
	for _, part := range parts[1 : len(parts)-1] {
		sibling, err := decodeHash(part)
		if err != nil {
			return false, err
		}
		current = parentHash(current, sibling)
	}

	claimed, err := decodeHash(parts[len(parts)-1])
	if err != nil {
		return false, err
	}
	return current == claimed && current == root, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("bad proof element %q", s)
	}
	copy(out[:], raw)
	return out, nil
}
