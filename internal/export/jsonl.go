// Package export writes distribution epochs as JSONL files for
// publishing to the claim frontend.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"zilscope/internal/model"
)

// Manifest is the first line of an epoch export. Consumers check the
// root against the one published on-chain before trusting the leaves
// that follow.
type Manifest struct {
	DistributorAddress string `json:"distributor_address"`
	EpochNumber        int32  `json:"epoch_number"`
	MerkleRoot         string `json:"merkle_root"`
	Leaves             int    `json:"leaves"`
}

// WriteEpoch writes one epoch's leaves to path: a manifest line, then
// one line per leaf. The file is truncated on rewrite rather than
// appended: an epoch's leaves are immutable once the root is
// published, so a partial epoch has no meaning.
func WriteEpoch(path, distributor string, epoch int32, rows []model.Distribution) (Manifest, error) {
	if len(rows) == 0 {
		return Manifest{}, fmt.Errorf("epoch %d has no leaves", epoch)
	}

	root, err := epochRoot(rows)
	if err != nil {
		return Manifest{}, err
	}
	manifest := Manifest{
		DistributorAddress: distributor,
		EpochNumber:        epoch,
		MerkleRoot:         root,
		Leaves:             len(rows),
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Manifest{}, fmt.Errorf("create output dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	write := func(v interface{}) error {
		line, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal export line: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return err
		}
		return writer.WriteByte('\n')
	}

	if err := write(manifest); err != nil {
		return Manifest{}, err
	}
	for _, row := range rows {
		if err := write(row); err != nil {
			return Manifest{}, err
		}
	}
	if err := writer.Flush(); err != nil {
		return Manifest{}, fmt.Errorf("flush output: %w", err)
	}
	return manifest, nil
}

// epochRoot extracts the Merkle root each proof terminates in. Every
// leaf of one epoch must resolve to the same root.
func epochRoot(rows []model.Distribution) (string, error) {
	root := ""
	for _, row := range rows {
		parts := strings.Fields(row.Proof)
		if len(parts) == 0 {
			return "", fmt.Errorf("leaf %s has an empty proof", row.AddressHex)
		}
		leafRoot := parts[len(parts)-1]
		if root == "" {
			root = leafRoot
			continue
		}
		if leafRoot != root {
			return "", fmt.Errorf("leaf %s resolves to root %s, expected %s", row.AddressHex, leafRoot, root)
		}
	}
	return root, nil
}
