package session

import (
	"github.com/zsiec/moqrelay/moq"
	"github.com/zsiec/moqrelay/webtransport"
)

// subgroupWriter writes successive objects to one already-open outgoing
// subgroup stream, implementing forward.SubgroupWriter.
type subgroupWriter struct {
	stream webtransport.SendStream
}

func (w *subgroupWriter) WriteObject(obj moq.Object) error {
	_, err := w.stream.Write(moq.EncodeSubgroupObject(obj))
	return err
}

func (w *subgroupWriter) Close() error {
	return w.stream.Close()
}
