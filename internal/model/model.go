package model

import (
	"strings"
	"time"
)

// DBKind identifies the database engine of an environment.
type DBKind string

const (
	KindMySQL   DBKind = "mysql"
	KindPercona DBKind = "percona"
	KindMariaDB DBKind = "mariadb"
)

// Kinds lists every supported database engine in display order.
var Kinds = []DBKind{KindMySQL, KindPercona, KindMariaDB}

// ParseDBKind normalises s (case-insensitive) into a known DBKind.
func ParseDBKind(s string) (DBKind, bool) {
	k := DBKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// Topology identifies how the nodes of an environment are wired together.
type Topology string

const (
	TopologyAsync Topology = "async" // one source, one asynchronous replica
)

// Topologies lists every supported topology.
var Topologies = []Topology{TopologyAsync}

// ParseTopology normalises s into a known Topology. An empty string selects async.
func ParseTopology(s string) (Topology, bool) {
	t := Topology(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return TopologyAsync, true
	}
	for _, known := range Topologies {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// Status is the lifecycle state of an environment.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// stopped and error are terminal: the only way out is deleting the environment.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusCreating:
		return next == StatusRunning || next == StatusError
	case StatusRunning:
		return next == StatusStopped || next == StatusError
	default:
		return false
	}
}

// HasContainers reports whether an environment in this state may list containers.
func (s Status) HasContainers() bool {
	return s == StatusRunning || s == StatusStopped
}

// Credentials are the generated secrets of one replication pair.
type Credentials struct {
	RootPassword        string `json:"root_password"`
	ReplicationUser     string `json:"replication_user"`
	ReplicationPassword string `json:"replication_password"`
}

// PortBinding is a published container port.
type PortBinding struct {
	HostPort      string `json:"host_port"`
	ContainerPort string `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// Endpoint is the live view of one container of an environment.
type Endpoint struct {
	Container string        `json:"container"`
	Role      string        `json:"role"`  // compose service name: source, replica
	State     string        `json:"state"` // running, exited, ...
	Ports     []PortBinding `json:"ports"`
}

// Environment is the persisted record of one disposable replication environment.
type Environment struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DBKind      DBKind      `json:"db_type"`
	DBVersion   string      `json:"db_version"`
	Topology    Topology    `json:"replication_type"`
	Status      Status      `json:"status"`
	Containers  []string    `json:"containers"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	Credentials Credentials `json:"credentials"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	// Transient fields (not stored)
	Endpoints []Endpoint `json:"endpoints,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (e *Environment) Clone() *Environment {
	if e == nil {
		return nil
	}
	c := *e
	if e.Containers != nil {
		c.Containers = append([]string(nil), e.Containers...)
	}
	if e.Endpoints != nil {
		c.Endpoints = make([]Endpoint, len(e.Endpoints))
		for i, ep := range e.Endpoints {
			ep.Ports = append([]PortBinding(nil), ep.Ports...)
			c.Endpoints[i] = ep
		}
	}
	return &c
}

// CreateEnvironmentRequest is the request body for creating an environment.
// Field names match the JSON the dashboard frontend sends.
type CreateEnvironmentRequest struct {
	Name            string `json:"name"`
	DBType          string `json:"db_type"`
	DBVersion       string `json:"db_version"`
	ReplicationType string `json:"replication_type"`
}

// EnvironmentEvent is one entry of an environment's lifecycle history.
// Rows outlive the environment itself.
type EnvironmentEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EnvironmentID string    `gorm:"index;not null;size:64" json:"environment_id"`
	Type          string    `gorm:"not null;size:64" json:"type"` // environment.created, environment.status_changed, environment.deleted
	Status        string    `gorm:"size:16" json:"status"`
	Detail        string    `gorm:"type:text" json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
