// Package types defines core data structures for the qcfabric computation server.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RecordStatus represents the current state of a record
type RecordStatus string

// Record status constants
const (
	StatusWaiting   RecordStatus = "waiting"
	StatusRunning   RecordStatus = "running"
	StatusComplete  RecordStatus = "complete"
	StatusError     RecordStatus = "error"
	StatusCancelled RecordStatus = "cancelled"
	StatusInvalid   RecordStatus = "invalid"
	StatusDeleted   RecordStatus = "deleted"
)

// IsValid checks if the status value is valid
func (s RecordStatus) IsValid() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusComplete, StatusError,
		StatusCancelled, StatusInvalid, StatusDeleted:
		return true
	}
	return false
}

// IsFinished returns true if no further computation will happen for a record
// in this status. A service iterates only when all its dependencies are finished.
func (s RecordStatus) IsFinished() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled, StatusInvalid:
		return true
	}
	return false
}

// RecordType categorizes the kind of computation a record describes
type RecordType string

// Record type constants
const (
	TypeSinglepoint      RecordType = "singlepoint"
	TypeOptimization     RecordType = "optimization"
	TypeGridoptimization RecordType = "gridoptimization"
	TypeTorsiondrive     RecordType = "torsiondrive"
	TypeReaction         RecordType = "reaction"
	TypeNEB              RecordType = "neb"
	TypeManybody         RecordType = "manybody"
)

// IsValid checks if the record type value is valid
func (t RecordType) IsValid() bool {
	switch t {
	case TypeSinglepoint, TypeOptimization, TypeGridoptimization,
		TypeTorsiondrive, TypeReaction, TypeNEB, TypeManybody:
		return true
	}
	return false
}

// IsService returns true for record types that are driven by the service
// iterator rather than a single claimable task.
func (t RecordType) IsService() bool {
	switch t {
	case TypeGridoptimization, TypeTorsiondrive, TypeReaction, TypeNEB, TypeManybody:
		return true
	}
	return false
}

// Priority orders task claiming within a tag. Higher values are claimed first.
type Priority int

// Priority constants
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// IsValid checks if the priority value is valid
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// TagWildcard is the sentinel tag meaning "any". Tags are never null;
// records submitted without a tag get this value.
const TagWildcard = "*"

// OutputType categorizes an output blob attached to a compute history entry
type OutputType string

// Output type constants
const (
	OutputStdout OutputType = "stdout"
	OutputStderr OutputType = "stderr"
	OutputError  OutputType = "error"
)

// IsValid checks if the output type value is valid
func (o OutputType) IsValid() bool {
	switch o {
	case OutputStdout, OutputStderr, OutputError:
		return true
	}
	return false
}

// Record is the unit of computed knowledge. Per-type fields (initial molecule,
// final molecule, starting grid, ...) live in dedicated tables joined by id
// and are surfaced through the typed extension structs below.
type Record struct {
	ID              int64        `json:"id"`
	RecordType      RecordType   `json:"record_type"`
	IsService       bool         `json:"is_service"`
	SpecificationID int64        `json:"specification_id"`
	Status          RecordStatus `json:"status"`
	ManagerName     *string      `json:"manager_name,omitempty"`
	CreatedOn       time.Time    `json:"created_on"`
	ModifiedOn      time.Time    `json:"modified_on"`
	OwnerUser       string       `json:"owner_user,omitempty"`
	OwnerGroup      string       `json:"owner_group,omitempty"`
	Tag             string       `json:"tag"`
	Priority        Priority     `json:"priority"`

	// Populated on request
	ComputeHistory []*ComputeHistory `json:"compute_history,omitempty"`
}

// Provenance identifies what produced a compute history entry
type Provenance struct {
	Creator string `json:"creator"`
	Version string `json:"version"`
	Routine string `json:"routine"`
}

// ComputeHistory is one entry in a record's ordered compute history.
// Outputs maps output type to an output blob id.
type ComputeHistory struct {
	ID          int64                `json:"id"`
	RecordID    int64                `json:"record_id"`
	Status      RecordStatus         `json:"status"`
	ManagerName *string              `json:"manager_name,omitempty"`
	ModifiedOn  time.Time            `json:"modified_on"`
	Provenance  *Provenance          `json:"provenance,omitempty"`
	Outputs     map[OutputType]int64 `json:"outputs,omitempty"`
}

// Task is a claimable unit of work bound to a non-service record.
// At most one task row exists per record.
type Task struct {
	ID               int64     `json:"id"`
	RecordID         int64     `json:"record_id"`
	Function         string    `json:"function"` // serialized input payload
	Tag              string    `json:"tag"`
	Priority         Priority  `json:"priority"`
	RequiredPrograms []string  `json:"required_programs"`
	CreatedOn        time.Time `json:"created_on"`
	AvailableDate    time.Time `json:"available_date"`
}

// Service is the iterator checkpoint row for a service record.
// ServiceState is opaque to the scheduler; only the per-procedure driver
// interprets it.
type Service struct {
	ID           int64                `json:"id"`
	RecordID     int64                `json:"record_id"`
	RecordType   RecordType           `json:"record_type"`
	Tag          string               `json:"tag"`
	Priority     Priority             `json:"priority"`
	ServiceState json.RawMessage      `json:"service_state,omitempty"`
	Dependencies []*ServiceDependency `json:"dependencies,omitempty"`
	CreatedOn    time.Time            `json:"created_on"`
}

// ServiceDependency links a service to a child record it is waiting on.
// Extras carries a driver-chosen key (e.g. a serialized grid point).
type ServiceDependency struct {
	ServiceID int64             `json:"service_id"`
	RecordID  int64             `json:"record_id"`
	Extras    map[string]string `json:"extras,omitempty"`
}

// Key returns the driver-chosen "key" extra, or "" if unset.
func (d *ServiceDependency) Key() string {
	return d.Extras["key"]
}

// ManagerStatus represents the liveness of a manager
type ManagerStatus string

// Manager status constants
const (
	ManagerActive   ManagerStatus = "active"
	ManagerInactive ManagerStatus = "inactive"
)

// Manager is an external worker process that claims tasks and returns results
type Manager struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	Cluster       string        `json:"cluster"`
	Hostname      string        `json:"hostname"`
	Tags          []string      `json:"tags"`     // ordered claim preference
	Programs      []string      `json:"programs"` // programs this manager can run
	Status        ManagerStatus `json:"status"`
	Claimed       int           `json:"claimed"`
	Returned      int           `json:"returned"`
	CreatedOn     time.Time     `json:"created_on"`
	ModifiedOn    time.Time     `json:"modified_on"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// RecordQueryFilter is used to filter record queries. Specification fields
// (Program, Method, Basis) filter via joins to the specification tables.
type RecordQueryFilter struct {
	IDs           []int64        `json:"ids,omitempty"`
	RecordType    *RecordType    `json:"record_type,omitempty"`
	Status        []RecordStatus `json:"status,omitempty"`
	ManagerName   *string        `json:"manager_name,omitempty"`
	Tag           *string        `json:"tag,omitempty"`
	Program       *string        `json:"program,omitempty"`
	Method        *string        `json:"method,omitempty"`
	Basis         *string        `json:"basis,omitempty"`
	CreatedAfter  *time.Time     `json:"created_after,omitempty"`
	CreatedBefore *time.Time     `json:"created_before,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	Skip          int            `json:"skip,omitempty"`
}
