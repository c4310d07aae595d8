// Package compose renders the Compose project and init artifacts of a
// replication environment from a static blueprint table.
package compose

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"text/template"

	"github.com/web-casa/dad/internal/model"
)

// Artifact file names inside an environment directory.
const (
	ComposeFile     = "docker-compose.yml"
	SourceInitFile  = "init_source.sql"
	ReplicaInitFile = "init_replica.sql"
)

// Compose service names, also reported as endpoint roles.
const (
	RoleSource  = "source"
	RoleReplica = "replica"
)

// LabelEnvironment tags every container with the environment it belongs to.
const LabelEnvironment = "dad.environment"

const (
	dataNetwork     = "db_network"
	defaultReplUser = "repl"
)

var (
	ErrUnsupportedCombination = errors.New("unsupported database/topology combination")
	ErrEmptyVersion           = errors.New("database version is empty")
	ErrInvalidNamespace       = errors.New("invalid namespace")
)

var (
	versionExpr   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
	namespaceExpr = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
)

// ValidVersion reports whether v is usable as an image tag. Anything else is
// rejected before it can reach a file or a command line.
func ValidVersion(v string) bool {
	return versionExpr.MatchString(v)
}

// Input is everything a render depends on.
type Input struct {
	Kind         model.DBKind
	Version      string
	Topology     model.Topology
	Namespace    string // environment id; prefixes project, container, volume and network names
	Credentials  model.Credentials
	HostPortBase int // 0 lets the orchestrator pick host ports
}

// Payload is a rendered environment: the typed project plus every file to
// write into the environment directory.
type Payload struct {
	Project *Project
	Files   map[string][]byte
}

// Renderer turns inputs into payloads using a fixed blueprint table.
type Renderer struct {
	blueprints map[Key]Blueprint
}

// NewRenderer creates a Renderer over a copy of the given table.
func NewRenderer(blueprints map[Key]Blueprint) *Renderer {
	table := make(map[Key]Blueprint, len(blueprints))
	for k, v := range blueprints {
		table[k] = v
	}
	return &Renderer{blueprints: table}
}

// Supports reports whether a blueprint exists for the combination.
func (r *Renderer) Supports(kind model.DBKind, topology model.Topology) bool {
	_, ok := r.blueprints[Key{kind, topology}]
	return ok
}

// Catalog returns the supported combinations in a stable order.
func (r *Renderer) Catalog() []Key {
	keys := make([]Key, 0, len(r.blueprints))
	for k := range r.blueprints {
		keys = append(keys, k)
	}
	rank := func(k model.DBKind) int {
		for i, known := range model.Kinds {
			if k == known {
				return i
			}
		}
		return len(model.Kinds)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := rank(keys[i].Kind), rank(keys[j].Kind)
		if ri != rj {
			return ri < rj
		}
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Topology < keys[j].Topology
	})
	return keys
}

// Render builds the payload for in. It performs no I/O.
func (r *Renderer) Render(in Input) (*Payload, error) {
	if in.Version == "" {
		return nil, ErrEmptyVersion
	}
	if !namespaceExpr.MatchString(in.Namespace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, in.Namespace)
	}
	bp, ok := r.blueprints[Key{in.Kind, in.Topology}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedCombination, in.Kind, in.Topology)
	}

	creds := in.Credentials
	if creds.ReplicationUser == "" {
		creds.ReplicationUser = defaultReplUser
	}

	project := buildProject(bp, in, creds)
	composeYAML, err := project.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal compose project: %w", err)
	}

	data := initData{
		Namespace:  in.Namespace,
		SourceHost: RoleSource,
		User:       creds.ReplicationUser,
		Password:   creds.ReplicationPassword,
	}
	sourceSQL, err := execute(sourceInitTmpl, data)
	if err != nil {
		return nil, err
	}
	replicaSQL, err := execute(replicaInitTmpl, data)
	if err != nil {
		return nil, err
	}

	return &Payload{
		Project: project,
		Files: map[string][]byte{
			ComposeFile:     composeYAML,
			SourceInitFile:  sourceSQL,
			ReplicaInitFile: replicaSQL,
		},
	}, nil
}

func buildProject(bp Blueprint, in Input, creds model.Credentials) *Project {
	ns := in.Namespace
	image := bp.Image + ":" + in.Version
	port := strconv.Itoa(bp.ContainerPort)
	env := func() map[string]string {
		return map[string]string{"MYSQL_ROOT_PASSWORD": creds.RootPassword}
	}

	return &Project{
		Name: ns,
		Services: map[string]Service{
			RoleSource: {
				Image:         image,
				ContainerName: ns + "_" + RoleSource,
				Command:       append([]string(nil), bp.SourceFlags...),
				Environment:   env(),
				Ports:         []string{publish(in.HostPortBase, 0, port)},
				Volumes: []string{
					"source_data:/var/lib/mysql",
					"./" + SourceInitFile + ":/docker-entrypoint-initdb.d/init.sql:ro",
				},
				Networks: []string{dataNetwork},
				Labels:   map[string]string{LabelEnvironment: ns},
			},
			RoleReplica: {
				Image:         image,
				ContainerName: ns + "_" + RoleReplica,
				Command:       append([]string(nil), bp.ReplicaFlags...),
				Environment:   env(),
				Ports:         []string{publish(in.HostPortBase, 1, port)},
				Volumes: []string{
					"replica_data:/var/lib/mysql",
					"./" + ReplicaInitFile + ":/docker-entrypoint-initdb.d/init.sql:ro",
				},
				DependsOn: []string{RoleSource},
				Networks:  []string{dataNetwork},
				Labels:    map[string]string{LabelEnvironment: ns},
			},
		},
		Volumes: map[string]Volume{
			"source_data":  {Name: ns + "_source_data"},
			"replica_data": {Name: ns + "_replica_data"},
		},
		Networks: map[string]Network{
			dataNetwork: {Name: ns + "_" + dataNetwork, Driver: "bridge"},
		},
	}
}

// publish returns a Compose port spec. Without a base only the container port
// is given and the host port is assigned by Docker.
func publish(base, offset int, containerPort string) string {
	if base <= 0 {
		return containerPort
	}
	return strconv.Itoa(base+offset) + ":" + containerPort
}

type initData struct {
	Namespace  string
	SourceHost string
	User       string
	Password   string
}

var sourceInitTmpl = template.Must(template.New("source").Parse(`-- Source initialization for {{.Namespace}}
CREATE USER IF NOT EXISTS '{{.User}}'@'%' IDENTIFIED BY '{{.Password}}';
GRANT REPLICATION SLAVE ON *.* TO '{{.User}}'@'%';
FLUSH PRIVILEGES;
`))

var replicaInitTmpl = template.Must(template.New("replica").Parse(`-- Replica initialization for {{.Namespace}}
-- Replication is configured against '{{.SourceHost}}' as '{{.User}}' once the source is ready.
`))

func execute(t *template.Template, data initData) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

// NewCredentials generates random passwords for a new environment.
func NewCredentials() (model.Credentials, error) {
	root, err := randomSecret(16)
	if err != nil {
		return model.Credentials{}, err
	}
	repl, err := randomSecret(16)
	if err != nil {
		return model.Credentials{}, err
	}
	return model.Credentials{
		RootPassword:        root,
		ReplicationUser:     defaultReplUser,
		ReplicationPassword: repl,
	}, nil
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SortEndpoints orders endpoints source first, then replica, then by name.
func SortEndpoints(eps []model.Endpoint) {
	rank := func(role string) int {
		switch role {
		case RoleSource:
			return 0
		case RoleReplica:
			return 1
		}
		return 2
	}
	sort.SliceStable(eps, func(i, j int) bool {
		ri, rj := rank(eps[i].Role), rank(eps[j].Role)
		if ri != rj {
			return ri < rj
		}
		return eps[i].Container < eps[j].Container
	})
}
