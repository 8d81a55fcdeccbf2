package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qcfabric/qcfabric/internal/hash"
	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// Specification interning: normalize, attempt an insert with
// ON CONFLICT DO NOTHING RETURNING, and fall back to selecting the existing
// row on conflict. Nested specifications are interned bottom-up; any failure
// aborts the enclosing transaction and is surfaced as metadata.

func marshalKeywords(kw map[string]any) ([]byte, string, error) {
	if kw == nil {
		kw = map[string]any{}
	}
	canon, err := hash.Canonical(kw)
	if err != nil {
		return nil, "", err
	}
	kwHash, err := hash.HashValue(kw)
	if err != nil {
		return nil, "", err
	}
	return canon, kwHash, nil
}

func addQCSpecification(ctx context.Context, q dbtx, spec *types.QCSpecification) (*types.InsertMetadata, int64, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return types.InsertError("invalid qc specification: %v", err), 0, nil
	}
	kwJSON, kwHash, err := marshalKeywords(spec.Keywords)
	if err != nil {
		return types.InsertError("invalid qc specification keywords: %v", err), 0, nil
	}
	protoJSON, _, err := marshalKeywords(spec.Protocols)
	if err != nil {
		return types.InsertError("invalid qc specification protocols: %v", err), 0, nil
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO qc_specifications (program, driver, method, basis, keywords, keywords_hash, protocols)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (program, driver, method, basis, keywords_hash) DO NOTHING
		RETURNING id`,
		spec.Program, spec.Driver, spec.Method, spec.Basis, kwJSON, kwHash, protoJSON,
	).Scan(&id)
	if err == nil {
		return &types.InsertMetadata{InsertedIdx: []int{0}}, id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("failed to insert qc specification: %w", err)
	}

	// Specification already existing
	err = q.QueryRowContext(ctx, `
		SELECT id FROM qc_specifications
		WHERE program = $1 AND driver = $2 AND method = $3 AND basis = $4 AND keywords_hash = $5`,
		spec.Program, spec.Driver, spec.Method, spec.Basis, kwHash,
	).Scan(&id)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select existing qc specification: %w", err)
	}
	return &types.InsertMetadata{ExistingIdx: []int{0}}, id, nil
}

func addOptimizationSpecification(ctx context.Context, q dbtx, spec *types.OptimizationSpecification) (*types.InsertMetadata, int64, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return types.InsertError("invalid optimization specification: %v", err), 0, nil
	}

	qcMeta, qcID, err := addQCSpecification(ctx, q, &spec.QCSpecification)
	if err != nil {
		return nil, 0, err
	}
	if !qcMeta.Success() {
		return types.InsertError("unable to add qc specification: %s", qcMeta.ErrorString()), 0, nil
	}

	kwJSON, kwHash, err := marshalKeywords(spec.Keywords)
	if err != nil {
		return types.InsertError("invalid optimization keywords: %v", err), 0, nil
	}
	protoJSON, _, err := marshalKeywords(spec.Protocols)
	if err != nil {
		return types.InsertError("invalid optimization protocols: %v", err), 0, nil
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO optimization_specifications (program, keywords, keywords_hash, protocols, qc_specification_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (program, keywords_hash, qc_specification_id) DO NOTHING
		RETURNING id`,
		spec.Program, kwJSON, kwHash, protoJSON, qcID,
	).Scan(&id)
	if err == nil {
		return &types.InsertMetadata{InsertedIdx: []int{0}}, id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("failed to insert optimization specification: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		SELECT id FROM optimization_specifications
		WHERE program = $1 AND keywords_hash = $2 AND qc_specification_id = $3`,
		spec.Program, kwHash, qcID,
	).Scan(&id)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select existing optimization specification: %w", err)
	}
	return &types.InsertMetadata{ExistingIdx: []int{0}}, id, nil
}

// addChildSpecification interns a service-level specification row
// (gridoptimization, torsiondrive, neb) referencing an already-interned
// child specification id.
func addChildSpecification(ctx context.Context, q dbtx, table string, program string, keywords any, childCol string, childID int64) (*types.InsertMetadata, int64, error) {
	kwMap, err := toKeywordMap(keywords)
	if err != nil {
		return types.InsertError("invalid %s keywords: %v", table, err), 0, nil
	}
	kwJSON, kwHash, err := marshalKeywords(kwMap)
	if err != nil {
		return types.InsertError("invalid %s keywords: %v", table, err), 0, nil
	}

	var id int64
	//nolint:gosec // table and column names come from a fixed internal set
	err = q.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (program, keywords, keywords_hash, %s)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (program, keywords_hash, %s) DO NOTHING
		RETURNING id`, table, childCol, childCol),
		program, kwJSON, kwHash, childID,
	).Scan(&id)
	if err == nil {
		return &types.InsertMetadata{InsertedIdx: []int{0}}, id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("failed to insert %s specification: %w", table, err)
	}

	err = q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE program = $1 AND keywords_hash = $2 AND %s = $3`, table, childCol),
		program, kwHash, childID,
	).Scan(&id)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select existing %s specification: %w", table, err)
	}
	return &types.InsertMetadata{ExistingIdx: []int{0}}, id, nil
}

// toKeywordMap round-trips typed keyword structs to a generic map so they
// canonicalize exactly like client-supplied keyword maps.
func toKeywordMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func addGridoptimizationSpecification(ctx context.Context, q dbtx, spec *types.GridoptimizationSpecification) (*types.InsertMetadata, int64, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return types.InsertError("invalid gridoptimization specification: %v", err), 0, nil
	}
	optMeta, optID, err := addOptimizationSpecification(ctx, q, &spec.OptimizationSpecification)
	if err != nil {
		return nil, 0, err
	}
	if !optMeta.Success() {
		return types.InsertError("unable to add optimization specification: %s", optMeta.ErrorString()), 0, nil
	}
	return addChildSpecification(ctx, q, "gridoptimization_specifications", spec.Program,
		&spec.Keywords, "optimization_specification_id", optID)
}

func addTorsiondriveSpecification(ctx context.Context, q dbtx, spec *types.TorsiondriveSpecification) (*types.InsertMetadata, int64, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return types.InsertError("invalid torsiondrive specification: %v", err), 0, nil
	}
	optMeta, optID, err := addOptimizationSpecification(ctx, q, &spec.OptimizationSpecification)
	if err != nil {
		return nil, 0, err
	}
	if !optMeta.Success() {
		return types.InsertError("unable to add optimization specification: %s", optMeta.ErrorString()), 0, nil
	}
	return addChildSpecification(ctx, q, "torsiondrive_specifications", spec.Program,
		&spec.Keywords, "optimization_specification_id", optID)
}

func addNEBSpecification(ctx context.Context, q dbtx, spec *types.NEBSpecification) (*types.InsertMetadata, int64, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return types.InsertError("invalid neb specification: %v", err), 0, nil
	}
	qcMeta, qcID, err := addQCSpecification(ctx, q, &spec.QCSpecification)
	if err != nil {
		return nil, 0, err
	}
	if !qcMeta.Success() {
		return types.InsertError("unable to add qc specification: %s", qcMeta.ErrorString()), 0, nil
	}
	return addChildSpecification(ctx, q, "neb_specifications", spec.Program,
		&spec.Keywords, "qc_specification_id", qcID)
}

func getQCSpecification(ctx context.Context, q dbtx, id int64) (*types.QCSpecification, error) {
	var spec types.QCSpecification
	var kwJSON, protoJSON []byte
	err := q.QueryRowContext(ctx, `
		SELECT id, program, driver, method, basis, keywords, protocols
		FROM qc_specifications WHERE id = $1`, id,
	).Scan(&spec.ID, &spec.Program, &spec.Driver, &spec.Method, &spec.Basis, &kwJSON, &protoJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("qc specification %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get qc specification %d: %w", id, err)
	}
	if err := json.Unmarshal(kwJSON, &spec.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode keywords for qc specification %d: %w", id, err)
	}
	if err := json.Unmarshal(protoJSON, &spec.Protocols); err != nil {
		return nil, fmt.Errorf("failed to decode protocols for qc specification %d: %w", id, err)
	}
	return &spec, nil
}

func getOptimizationSpecification(ctx context.Context, q dbtx, id int64) (*types.OptimizationSpecification, error) {
	var spec types.OptimizationSpecification
	var kwJSON, protoJSON []byte
	var qcID int64
	err := q.QueryRowContext(ctx, `
		SELECT id, program, keywords, protocols, qc_specification_id
		FROM optimization_specifications WHERE id = $1`, id,
	).Scan(&spec.ID, &spec.Program, &kwJSON, &protoJSON, &qcID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("optimization specification %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get optimization specification %d: %w", id, err)
	}
	if err := json.Unmarshal(kwJSON, &spec.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode keywords for optimization specification %d: %w", id, err)
	}
	if err := json.Unmarshal(protoJSON, &spec.Protocols); err != nil {
		return nil, fmt.Errorf("failed to decode protocols for optimization specification %d: %w", id, err)
	}
	qcSpec, err := getQCSpecification(ctx, q, qcID)
	if err != nil {
		return nil, err
	}
	spec.QCSpecification = *qcSpec
	return &spec, nil
}

// Store-level wrappers

// AddQCSpecification interns a singlepoint specification
func (s *Store) AddQCSpecification(ctx context.Context, spec *types.QCSpecification) (*types.InsertMetadata, int64, error) {
	var meta *types.InsertMetadata
	var id int64
	err := s.inTx(ctx, func(t *Tx) error {
		var err error
		meta, id, err = addQCSpecification(ctx, t.tx, spec)
		return err
	})
	return meta, id, err
}

// AddOptimizationSpecification interns an optimization specification,
// interning its embedded qc specification first.
func (s *Store) AddOptimizationSpecification(ctx context.Context, spec *types.OptimizationSpecification) (*types.InsertMetadata, int64, error) {
	var meta *types.InsertMetadata
	var id int64
	err := s.inTx(ctx, func(t *Tx) error {
		var err error
		meta, id, err = addOptimizationSpecification(ctx, t.tx, spec)
		return err
	})
	return meta, id, err
}
