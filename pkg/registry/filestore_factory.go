package registry

import (
	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filestore"
	"github.com/featherbutt/dolt-annex/pkg/retry"
)

// BuildFilestore instantiates the concrete Store a descriptor names,
// recursing into child descriptors for the composite backends (Union,
// Measure, Archive's secondary index): one switch on the "type" field,
// one constructor call per backend.
func BuildFilestore(d FilestoreDescriptor) (filestore.Store, error) {
	switch d.Type {
	case "annexfs":
		return filestore.NewAnnexFS(d.Root), nil
	case "memoryfs":
		return filestore.NewMemoryFS(), nil
	case "bolt", "leveldb":
		return filestore.NewBoltFS(d.Root), nil
	case "archive":
		if d.Secondary == nil {
			return nil, annexerr.New(annexerr.Fatal, "archive filestore requires a secondary index").WithComponent("registry")
		}
		secondary, err := BuildFilestore(*d.Secondary)
		if err != nil {
			return nil, err
		}
		numWorkers := d.NumWorkers
		if numWorkers <= 0 {
			numWorkers = 1
		}
		return filestore.NewArchiveFS(d.Root, secondary, numWorkers, d.MaxArchiveSize), nil
	case "union":
		children := make([]filestore.Store, 0, len(d.Children))
		for _, c := range d.Children {
			child, err := BuildFilestore(c)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return filestore.NewUnionFS(children...), nil
	case "measure":
		if d.Child == nil {
			return nil, annexerr.New(annexerr.Fatal, "measure filestore requires a child").WithComponent("registry")
		}
		child, err := BuildFilestore(*d.Child)
		if err != nil {
			return nil, err
		}
		return filestore.NewMeasure(child, d.StatsFilePath), nil
	case "sftp":
		return &filestore.SftpFileStore{
			Host:    d.Host,
			Port:    d.Port,
			User:    d.User,
			Path:    d.Path,
			Retryer: retry.New(retry.DefaultConfig()),
		}, nil
	case "s3":
		s3 := filestore.NewS3Filestore(d.Bucket, d.Region)
		s3.Endpoint = d.Endpoint
		s3.ForcePath = d.ForcePath
		s3.UseCargoShip = d.UseCargoShip
		return s3, nil
	default:
		return nil, annexerr.New(annexerr.Fatal, "unknown filestore type").
			WithComponent("registry").WithDetail("type", d.Type)
	}
}
