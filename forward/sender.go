package forward

import (
	"context"

	"github.com/zsiec/moqrelay/moq"
)

// ObjectSender is the minimal downstream write surface a Forwarder needs.
// session.Session implements this over a webtransport.Session; tests use an
// in-memory fake.
type ObjectSender interface {
	SendDatagram(ctx context.Context, obj moq.Object) error
	OpenSubgroupStream(ctx context.Context, hdr moq.SubgroupHeader) (SubgroupWriter, error)
}

// SubgroupWriter writes successive objects to one already-open subgroup
// data stream.
type SubgroupWriter interface {
	WriteObject(obj moq.Object) error
	Close() error
}
