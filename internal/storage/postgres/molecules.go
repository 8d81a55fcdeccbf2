package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// addMolecule interns one molecule by content hash and reports whether a new
// row was inserted.
func addMolecule(ctx context.Context, q dbtx, mol *types.Molecule) (int64, bool, error) {
	if err := mol.Validate(); err != nil {
		return 0, false, fmt.Errorf("invalid molecule: %w", err)
	}
	molHash := mol.ComputeHash()

	symJSON, err := json.Marshal(mol.Symbols)
	if err != nil {
		return 0, false, fmt.Errorf("failed to encode molecule: %w", err)
	}
	geoJSON, err := json.Marshal(mol.Geometry)
	if err != nil {
		return 0, false, fmt.Errorf("failed to encode molecule: %w", err)
	}
	var connJSON, identJSON []byte
	if mol.Connectivity != nil {
		if connJSON, err = json.Marshal(mol.Connectivity); err != nil {
			return 0, false, fmt.Errorf("failed to encode molecule: %w", err)
		}
	}
	if mol.Identifiers != nil {
		if identJSON, err = json.Marshal(mol.Identifiers); err != nil {
			return 0, false, fmt.Errorf("failed to encode molecule: %w", err)
		}
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO molecules (name, symbols, geometry, connectivity, charge, multiplicity, identifiers, molecule_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (molecule_hash) DO NOTHING
		RETURNING id`,
		mol.Name, symJSON, geoJSON, nullBytes(connJSON), mol.Charge, mol.Multiplicity, nullBytes(identJSON), molHash,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to insert molecule: %w", err)
	}

	err = q.QueryRowContext(ctx, `SELECT id FROM molecules WHERE molecule_hash = $1`, molHash).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to select existing molecule: %w", err)
	}
	return id, false, nil
}

// addMixedMolecules resolves a mixed list of ids and literals into ids,
// preserving input order. Literals sharing a content hash within the call
// coalesce to one insert; unknown ids produce per-index errors.
func addMixedMolecules(ctx context.Context, q dbtx, refs []storage.MoleculeRef) (*types.InsertMetadata, []int64, error) {
	meta := &types.InsertMetadata{}
	ids := make([]int64, len(refs))
	seen := map[string]int64{} // content hash -> interned id, within this call

	for i, ref := range refs {
		switch {
		case ref.ID != nil:
			var exists bool
			err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM molecules WHERE id = $1)`, *ref.ID).Scan(&exists)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to check molecule %d: %w", *ref.ID, err)
			}
			if !exists {
				meta.Errors = append(meta.Errors, types.IndexedError{
					Index:   i,
					Message: fmt.Sprintf("molecule id %d does not exist", *ref.ID),
				})
				continue
			}
			ids[i] = *ref.ID
			meta.ExistingIdx = append(meta.ExistingIdx, i)

		case ref.Molecule != nil:
			molHash := ref.Molecule.ComputeHash()
			if id, ok := seen[molHash]; ok {
				ids[i] = id
				meta.ExistingIdx = append(meta.ExistingIdx, i)
				continue
			}
			id, inserted, err := addMolecule(ctx, q, ref.Molecule)
			if err != nil {
				meta.Errors = append(meta.Errors, types.IndexedError{Index: i, Message: err.Error()})
				continue
			}
			seen[molHash] = id
			ids[i] = id
			if inserted {
				meta.InsertedIdx = append(meta.InsertedIdx, i)
			} else {
				meta.ExistingIdx = append(meta.ExistingIdx, i)
			}

		default:
			meta.Errors = append(meta.Errors, types.IndexedError{
				Index:   i,
				Message: "molecule entry has neither id nor molecule",
			})
		}
	}
	return meta, ids, nil
}

func getMolecule(ctx context.Context, q dbtx, id int64) (*types.Molecule, error) {
	var mol types.Molecule
	var symJSON, geoJSON []byte
	var connJSON, identJSON sql.Null[[]byte]
	err := q.QueryRowContext(ctx, `
		SELECT id, name, symbols, geometry, connectivity, charge, multiplicity, identifiers
		FROM molecules WHERE id = $1`, id,
	).Scan(&mol.ID, &mol.Name, &symJSON, &geoJSON, &connJSON, &mol.Charge, &mol.Multiplicity, &identJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("molecule %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get molecule %d: %w", id, err)
	}
	if err := json.Unmarshal(symJSON, &mol.Symbols); err != nil {
		return nil, fmt.Errorf("failed to decode molecule %d: %w", id, err)
	}
	if err := json.Unmarshal(geoJSON, &mol.Geometry); err != nil {
		return nil, fmt.Errorf("failed to decode molecule %d: %w", id, err)
	}
	if connJSON.Valid {
		if err := json.Unmarshal(connJSON.V, &mol.Connectivity); err != nil {
			return nil, fmt.Errorf("failed to decode molecule %d: %w", id, err)
		}
	}
	if identJSON.Valid {
		if err := json.Unmarshal(identJSON.V, &mol.Identifiers); err != nil {
			return nil, fmt.Errorf("failed to decode molecule %d: %w", id, err)
		}
	}
	return &mol, nil
}

// nullBytes converts a nil byte slice to a SQL NULL
func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// AddMolecules interns molecule literals, returning ids in input order
func (s *Store) AddMolecules(ctx context.Context, mols []*types.Molecule) (*types.InsertMetadata, []int64, error) {
	refs := make([]storage.MoleculeRef, len(mols))
	for i, m := range mols {
		refs[i] = storage.MoleculeRef{Molecule: m}
	}
	return s.AddMixedMolecules(ctx, refs)
}

// AddMixedMolecules interns a mixed list of molecule literals and existing ids
func (s *Store) AddMixedMolecules(ctx context.Context, refs []storage.MoleculeRef) (*types.InsertMetadata, []int64, error) {
	var meta *types.InsertMetadata
	var ids []int64
	err := s.inTx(ctx, func(t *Tx) error {
		var err error
		meta, ids, err = addMixedMolecules(ctx, t.tx, refs)
		return err
	})
	return meta, ids, err
}

// GetMolecule returns one molecule by id
func (s *Store) GetMolecule(ctx context.Context, id int64) (*types.Molecule, error) {
	return getMolecule(ctx, s.db, id)
}

// GetMolecule returns one molecule by id within the transaction
func (t *Tx) GetMolecule(ctx context.Context, id int64) (*types.Molecule, error) {
	return getMolecule(ctx, t.tx, id)
}
