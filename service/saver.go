package service

import (
	"bytes"
	"context"
	"io"
	"path"
	"time"

	"github.com/AnTengye/invoicedesk/model"
	"github.com/AnTengye/invoicedesk/pkg/logger"
	"github.com/google/uuid"
)

// Saver delivers a downloaded artifact to its destination.
type Saver interface {
	Save(ctx context.Context, artifact model.Artifact) error
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, artifact model.Artifact) error

func (f SaverFunc) Save(ctx context.Context, artifact model.Artifact) error {
	return f(ctx, artifact)
}

// MultiSaver hands an artifact to best-effort savers and then to a primary
// saver, in that order. Only a primary failure is reported; best-effort
// failures are logged.
type MultiSaver struct {
	primary    Saver
	bestEffort []Saver
}

func NewMultiSaver(primary Saver, bestEffort ...Saver) *MultiSaver {
	var rest []Saver
	for _, s := range bestEffort {
		if s != nil {
			rest = append(rest, s)
		}
	}
	return &MultiSaver{primary: primary, bestEffort: rest}
}

func (m *MultiSaver) Save(ctx context.Context, artifact model.Artifact) error {
	for _, s := range m.bestEffort {
		if err := s.Save(ctx, artifact); err != nil {
			logger.Warn(ctx, "best-effort artifact save failed",
				"artifact", artifact.Name,
				"error", err,
			)
		}
	}
	return m.primary.Save(ctx, artifact)
}

// ObjectPutter is the part of ArchiveService the archive saver needs.
type ObjectPutter interface {
	Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
}

// ObjectLinker is implemented by putters that can hand out a link to a stored object.
type ObjectLinker interface {
	Link(ctx context.Context, objectName string) (string, error)
}

// ArchiveSaver copies artifacts into object storage under
// artifacts/<yyyy-mm-dd>/<request id>/<name>.
type ArchiveSaver struct {
	putter ObjectPutter
	now    func() time.Time
}

func NewArchiveSaver(putter ObjectPutter) *ArchiveSaver {
	return &ArchiveSaver{putter: putter, now: time.Now}
}

func (s *ArchiveSaver) Save(ctx context.Context, artifact model.Artifact) error {
	_, err := s.Archive(ctx, artifact)
	return err
}

// Archive stores artifact and returns a link to the copy. The link is empty
// when the putter cannot produce one; a link failure does not undo the copy.
func (s *ArchiveSaver) Archive(ctx context.Context, artifact model.Artifact) (string, error) {
	objectName := s.ObjectName(ctx, artifact.Name)
	err := s.putter.Put(ctx, objectName, bytes.NewReader(artifact.Data), int64(len(artifact.Data)), artifact.ContentType)
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "artifact archived", "object", objectName, "size", len(artifact.Data))

	linker, ok := s.putter.(ObjectLinker)
	if !ok {
		return "", nil
	}
	link, err := linker.Link(ctx, objectName)
	if err != nil {
		logger.Warn(ctx, "archive link unavailable", "object", objectName, "error", err)
		return "", nil
	}
	return link, nil
}

// ObjectName builds the object key for an artifact saved within ctx.
func (s *ArchiveSaver) ObjectName(ctx context.Context, name string) string {
	id, _ := ctx.Value(logger.RequestIDKey).(string)
	if id == "" {
		id = uuid.New().String()
	}
	return path.Join("artifacts", s.now().UTC().Format("2006-01-02"), id, name)
}

// DiscardSaver accepts and drops every artifact.
var DiscardSaver Saver = SaverFunc(func(context.Context, model.Artifact) error { return nil })
