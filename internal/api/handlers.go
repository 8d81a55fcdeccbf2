package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/qcfabric/qcfabric/internal/metrics"
	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// addRecordsRequest is the body of POST /v1/records/{type}
type addRecordsRequest struct {
	Specification json.RawMessage       `json:"specification"`
	Molecules     []storage.MoleculeRef `json:"molecules"`
	Tag           string                `json:"tag"`
	Priority      types.Priority        `json:"priority"`
}

// addRecordsResponse mirrors the insert metadata plus ids in input order
type addRecordsResponse struct {
	Meta *types.InsertMetadata `json:"meta"`
	IDs  []int64               `json:"ids"`
}

func (s *Server) handleAddRecords(w http.ResponseWriter, r *http.Request) {
	recordType := types.RecordType(chi.URLParam(r, "type"))
	var req addRecordsRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}

	var (
		meta *types.InsertMetadata
		ids  []int64
		err  error
	)
	switch recordType {
	case types.TypeSinglepoint:
		var spec types.QCSpecification
		if err := unmarshalSpec(req.Specification, &spec); err != nil {
			s.respondError(w, err)
			return
		}
		spec.Normalize()
		if verr := spec.Validate(); verr != nil {
			s.respondError(w, fmt.Errorf("%w: %w", errBadRequest, verr))
			return
		}
		meta, ids, err = s.store.AddSinglepointRecords(r.Context(), &spec, req.Molecules, req.Tag, req.Priority)

	case types.TypeOptimization:
		var spec types.OptimizationSpecification
		if err := unmarshalSpec(req.Specification, &spec); err != nil {
			s.respondError(w, err)
			return
		}
		spec.Normalize()
		if verr := spec.Validate(); verr != nil {
			s.respondError(w, fmt.Errorf("%w: %w", errBadRequest, verr))
			return
		}
		meta, ids, err = s.store.AddOptimizationRecords(r.Context(), &spec, req.Molecules, req.Tag, req.Priority)

	case types.TypeGridoptimization:
		var spec types.GridoptimizationSpecification
		if err := unmarshalSpec(req.Specification, &spec); err != nil {
			s.respondError(w, err)
			return
		}
		spec.Normalize()
		if verr := spec.Validate(); verr != nil {
			s.respondError(w, fmt.Errorf("%w: %w", errBadRequest, verr))
			return
		}
		meta, ids, err = s.store.AddGridoptimizationRecords(r.Context(), &spec, req.Molecules, req.Tag, req.Priority)

	case types.TypeTorsiondrive:
		var spec types.TorsiondriveSpecification
		if err := unmarshalSpec(req.Specification, &spec); err != nil {
			s.respondError(w, err)
			return
		}
		spec.Normalize()
		if verr := spec.Validate(); verr != nil {
			s.respondError(w, fmt.Errorf("%w: %w", errBadRequest, verr))
			return
		}
		meta, ids, err = s.store.AddTorsiondriveRecords(r.Context(), &spec, req.Molecules, req.Tag, req.Priority)

	case types.TypeNEB:
		var spec types.NEBSpecification
		if err := unmarshalSpec(req.Specification, &spec); err != nil {
			s.respondError(w, err)
			return
		}
		spec.Normalize()
		if verr := spec.Validate(); verr != nil {
			s.respondError(w, fmt.Errorf("%w: %w", errBadRequest, verr))
			return
		}
		meta, ids, err = s.store.AddNEBRecords(r.Context(), &spec, req.Molecules, req.Tag, req.Priority)

	default:
		s.respondError(w, fmt.Errorf("%w: unknown record type %q", errBadRequest, recordType))
		return
	}

	if err != nil {
		s.respondError(w, err)
		return
	}
	metrics.RecordsCreated.WithLabelValues(string(recordType), "inserted").Add(float64(meta.NInserted()))
	metrics.RecordsCreated.WithLabelValues(string(recordType), "existing").Add(float64(meta.NExisting()))
	s.respond(w, http.StatusOK, addRecordsResponse{Meta: meta, IDs: ids})
}

func unmarshalSpec(raw json.RawMessage, dst any) error {
	if raw == nil {
		return fmt.Errorf("%w: specification is required", errBadRequest)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: malformed specification: %w", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	includeHistory, _ := strconv.ParseBool(r.URL.Query().Get("include_history"))
	rec, err := s.store.GetRecord(r.Context(), id, includeHistory)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

type queryRecordsResponse struct {
	Meta    *types.QueryMetadata `json:"meta"`
	Records []*types.Record      `json:"records"`
}

func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	var filter types.RecordQueryFilter
	if err := s.decode(r, &filter); err != nil {
		s.respondError(w, err)
		return
	}
	meta, recs, err := s.store.QueryRecords(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, queryRecordsResponse{Meta: meta, Records: recs})
}

type modifyRecordsRequest struct {
	IDs    []int64              `json:"ids"`
	Action storage.RecordAction `json:"action"`
}

func (s *Server) handleModifyRecords(w http.ResponseWriter, r *http.Request) {
	var req modifyRecordsRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if !req.Action.IsValid() {
		s.respondError(w, fmt.Errorf("%w: unknown action %q", errBadRequest, req.Action))
		return
	}
	meta, err := s.store.ModifyStatus(r.Context(), req.IDs, req.Action)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, meta)
}

type claimTasksRequest struct {
	Manager  string   `json:"manager"`
	Tags     []string `json:"tags"`
	Programs []string `json:"programs"`
	Limit    int      `json:"limit"`
}

func (s *Server) handleClaimTasks(w http.ResponseWriter, r *http.Request) {
	var req claimTasksRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.Manager == "" {
		s.respondError(w, fmt.Errorf("%w: manager is required", errBadRequest))
		return
	}
	if len(req.Tags) == 0 {
		req.Tags = []string{types.TagWildcard}
	}
	// Clip, don't reject: managers may ask for more than the server allows
	limit := req.Limit
	if limit <= 0 || limit > s.maxClaimLimit {
		limit = s.maxClaimLimit
	}

	tasks, err := s.store.ClaimTasks(r.Context(), req.Manager, req.Tags, req.Programs, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	metrics.TasksClaimed.Add(float64(len(tasks)))
	s.respond(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type returnTasksRequest struct {
	Manager string              `json:"manager"`
	Results []*types.TaskResult `json:"results"`
}

func (s *Server) handleReturnTasks(w http.ResponseWriter, r *http.Request) {
	var req returnTasksRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.Manager == "" {
		s.respondError(w, fmt.Errorf("%w: manager is required", errBadRequest))
		return
	}
	if len(req.Results) > s.maxReturnSize {
		s.respondError(w, fmt.Errorf("return batch of %d exceeds maximum of %d: %w",
			len(req.Results), s.maxReturnSize, storage.ErrLimitExceeded))
		return
	}

	meta, err := s.store.ReturnTasks(r.Context(), req.Manager, req.Results)
	if err != nil {
		s.respondError(w, err)
		return
	}
	metrics.TasksReturned.WithLabelValues("accepted").Add(float64(len(meta.UpdatedIdx)))
	metrics.TasksReturned.WithLabelValues("discarded").Add(float64(len(meta.Errors)))
	s.respond(w, http.StatusOK, meta)
}

type activateManagerRequest struct {
	Name     string   `json:"name"`
	Cluster  string   `json:"cluster"`
	Hostname string   `json:"hostname"`
	Tags     []string `json:"tags"`
	Programs []string `json:"programs"`
}

func (s *Server) handleActivateManager(w http.ResponseWriter, r *http.Request) {
	var req activateManagerRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.Name == "" {
		s.respondError(w, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	mgr, err := s.store.ActivateManager(r.Context(), &types.Manager{
		Name:     req.Name,
		Cluster:  req.Cluster,
		Hostname: req.Hostname,
		Tags:     req.Tags,
		Programs: req.Programs,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, mgr)
}

type managerNameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleManagerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req managerNameRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.ManagerHeartbeat(r.Context(), req.Name); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeactivateManager(w http.ResponseWriter, r *http.Request) {
	var req managerNameRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	res, err := s.store.DeactivateManager(r.Context(), req.Name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleGetManager(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.store.GetManager(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, mgr)
}

type addMoleculesResponse struct {
	Meta *types.InsertMetadata `json:"meta"`
	IDs  []int64               `json:"ids"`
}

func (s *Server) handleAddMolecules(w http.ResponseWriter, r *http.Request) {
	var mols []*types.Molecule
	if err := s.decode(r, &mols); err != nil {
		s.respondError(w, err)
		return
	}
	meta, ids, err := s.store.AddMolecules(r.Context(), mols)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, addMoleculesResponse{Meta: meta, IDs: ids})
}

func (s *Server) handleGetMolecule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	mol, err := s.store.GetMolecule(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, mol)
}

// outputResponse carries the decompressed blob contents
type outputResponse struct {
	ID         int64            `json:"id"`
	OutputType types.OutputType `json:"output_type"`
	Data       string           `json:"data"`
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	out, err := s.store.GetOutput(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	data, err := out.DecompressString()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, outputResponse{ID: out.ID, OutputType: out.OutputType, Data: data})
}
