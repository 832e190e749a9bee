// Package registry loads and caches the on-disk descriptors that name
// repositories and dataset schemas: small YAML documents under a
// well-known directory, read once per process and reused.
package registry

import (
	"github.com/featherbutt/dolt-annex/pkg/catalog"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/google/uuid"
)

// FilestoreDescriptor is a tagged union selecting a concrete Store
// implementation. Type picks the backend; only the fields relevant to
// that backend need be set. Union and Measure nest child descriptors so
// a repository's filestore can be an arbitrary tree of backends.
type FilestoreDescriptor struct {
	Type string `yaml:"type"`

	// AnnexFS, LevelDB/Bolt
	Root string `yaml:"root,omitempty"`

	// ArchiveFS
	Secondary      *FilestoreDescriptor `yaml:"secondary,omitempty"`
	NumWorkers     int                  `yaml:"num_workers,omitempty"`
	MaxArchiveSize int64                `yaml:"max_archive_size,omitempty"`

	// UnionFS
	Children []FilestoreDescriptor `yaml:"children,omitempty"`

	// Measure
	Child         *FilestoreDescriptor `yaml:"child,omitempty"`
	StatsFilePath string               `yaml:"stats_file_path,omitempty"`

	// SftpFileStore
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
	User string `yaml:"user,omitempty"`
	Path string `yaml:"path,omitempty"`

	// S3Filestore
	Bucket       string `yaml:"bucket,omitempty"`
	Region       string `yaml:"region,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	ForcePath    bool   `yaml:"force_path,omitempty"`
	UseCargoShip bool   `yaml:"use_cargoship,omitempty"`
}

// Repository is the on-disk descriptor for one repository: its stable
// identity, where its bytes live, and which key format it addresses
// them with.
type Repository struct {
	Name      string              `yaml:"name"`
	UUID      uuid.UUID           `yaml:"uuid"`
	Filestore FilestoreDescriptor `yaml:"filestore"`
	KeyFormat string              `yaml:"key_format"`
}

// Format resolves the repository's configured key-format name to a
// concrete filekey.Format. Only "sha256e" is implemented; unknown names
// fall back to it.
func (r Repository) Format() filekey.Format {
	switch r.KeyFormat {
	case "", "sha256e":
		return filekey.Sha256e{}
	default:
		return filekey.Sha256e{}
	}
}

// TableSchema names one catalog table within a dataset: its file column
// and the ordered key columns that, together, make a row unique. This
// is catalog.FileTableSchema under a descriptor-friendly name so YAML
// documents and the catalog package share one shape.
type TableSchema = catalog.FileTableSchema

// DatasetSchema is the on-disk descriptor for one dataset: its tables
// and the branch to fork new per-repository catalogs from.
type DatasetSchema struct {
	Name          string        `yaml:"name"`
	Tables        []TableSchema `yaml:"tables"`
	EmptyTableRef string        `yaml:"empty_table_ref"`
}

// Table looks up one of the dataset's tables by name.
func (d DatasetSchema) Table(name string) (TableSchema, bool) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSchema{}, false
}
