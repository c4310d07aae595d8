package compose

import (
	"github.com/web-casa/dad/internal/model"
)

// Key selects a blueprint.
type Key struct {
	Kind     model.DBKind   `json:"db_type"`
	Topology model.Topology `json:"replication_type"`
}

// Blueprint is the static, read-only description of one (kind, topology)
// combination. The version and the environment namespace are supplied at
// render time.
type Blueprint struct {
	Image         string   // image repository, the tag is the requested version
	ContainerPort int      // port the server listens on inside the container
	SourceFlags   []string // server flags for the source node
	ReplicaFlags  []string // server flags for the replica node
}

var (
	gtidSourceFlags = []string{
		"--server-id=1",
		"--log-bin=mysql-bin",
		"--binlog-format=ROW",
		"--gtid-mode=ON",
		"--enforce-gtid-consistency=ON",
	}
	binlogSourceFlags = []string{
		"--server-id=1",
		"--log-bin=mysql-bin",
		"--binlog-format=ROW",
	}
	replicaFlags = []string{
		"--server-id=2",
		"--relay-log=replica-relay-bin",
		"--read-only=1",
	}
)

// DefaultBlueprints returns the built-in blueprint table.
func DefaultBlueprints() map[Key]Blueprint {
	return map[Key]Blueprint{
		{model.KindMySQL, model.TopologyAsync}: {
			Image:         "mysql",
			ContainerPort: 3306,
			SourceFlags:   gtidSourceFlags,
			ReplicaFlags:  replicaFlags,
		},
		{model.KindPercona, model.TopologyAsync}: {
			Image:         "percona/percona-server",
			ContainerPort: 3306,
			SourceFlags:   gtidSourceFlags,
			ReplicaFlags:  replicaFlags,
		},
		// MariaDB GTIDs are always on and use different variables.
		{model.KindMariaDB, model.TopologyAsync}: {
			Image:         "mariadb",
			ContainerPort: 3306,
			SourceFlags:   binlogSourceFlags,
			ReplicaFlags:  replicaFlags,
		},
	}
}
