// Package export reads and writes portable conversation archives. Exports
// are plain JSON so users keep access to their data without the app; imports
// remint every id so an archive can be imported twice, or into a database
// that already contains the original, without collisions.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"loomchat/engine/internal/branch"
	"loomchat/engine/internal/model"
	"loomchat/engine/internal/repository"
)

// Version identifies the archive layout. Bump when the shape changes;
// Import rejects versions it does not know.
const Version = 1

// ThreadArchive is one exported conversation.
type ThreadArchive struct {
	Version    int                `json:"version" validate:"required,eq=1"`
	ExportedAt time.Time          `json:"exportedAt" validate:"required"`
	Thread     model.Thread       `json:"thread" validate:"required"`
	Messages   []model.ThreadItem `json:"messages" validate:"dive"`
}

// BulkArchive wraps every conversation in one file.
type BulkArchive struct {
	Version     int             `json:"version" validate:"required,eq=1"`
	ExportedAt  time.Time       `json:"exportedAt" validate:"required"`
	ThreadCount int             `json:"threadCount"`
	Threads     []ThreadArchive `json:"threads" validate:"dive"`
}

// Service builds and restores archives against the durable store. It works
// on persisted data only; temporary threads have nothing to export.
type Service struct {
	repo     repository.Repository
	validate *validator.Validate
}

func NewService(repo repository.Repository) *Service {
	return &Service{
		repo:     repo,
		validate: validator.New(),
	}
}

// ExportThread serializes one thread with all its items, every branch
// sibling included, so an import restores the full tree rather than the
// currently selected path.
func (s *Service) ExportThread(ctx context.Context, threadID string) ([]byte, error) {
	archive, err := s.buildArchive(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(archive, "", "  ")
}

// ExportAll serializes every persisted thread.
func (s *Service) ExportAll(ctx context.Context) ([]byte, error) {
	threads, err := s.repo.ListThreads(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list threads: %w", err)
	}
	bulk := BulkArchive{
		Version:    Version,
		ExportedAt: time.Now().UTC(),
		Threads:    make([]ThreadArchive, 0, len(threads)),
	}
	for _, thread := range threads {
		archive, err := s.buildArchive(ctx, thread.ID)
		if err != nil {
			return nil, err
		}
		bulk.Threads = append(bulk.Threads, *archive)
	}
	bulk.ThreadCount = len(bulk.Threads)
	return json.MarshalIndent(bulk, "", "  ")
}

func (s *Service) buildArchive(ctx context.Context, threadID string) (*ThreadArchive, error) {
	thread, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("could not read thread %s: %w", threadID, err)
	}
	items, err := s.repo.ListItemsByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("could not read items of thread %s: %w", threadID, err)
	}
	return &ThreadArchive{
		Version:    Version,
		ExportedAt: time.Now().UTC(),
		Thread:     *thread,
		Messages:   items,
	}, nil
}

// ImportThread restores one archived thread under fresh ids and returns the
// new thread id.
func (s *Service) ImportThread(ctx context.Context, data []byte) (string, error) {
	var archive ThreadArchive
	if err := json.Unmarshal(data, &archive); err != nil {
		return "", fmt.Errorf("could not parse archive: %w", err)
	}
	if err := s.validate.Struct(archive); err != nil {
		return "", fmt.Errorf("invalid archive: %w", err)
	}
	return s.restore(ctx, archive)
}

// ImportAll restores a bulk archive and returns the new thread ids.
func (s *Service) ImportAll(ctx context.Context, data []byte) ([]string, error) {
	var bulk BulkArchive
	if err := json.Unmarshal(data, &bulk); err != nil {
		return nil, fmt.Errorf("could not parse archive: %w", err)
	}
	if err := s.validate.Struct(bulk); err != nil {
		return nil, fmt.Errorf("invalid archive: %w", err)
	}
	ids := make([]string, 0, len(bulk.Threads))
	for _, archive := range bulk.Threads {
		id, err := s.restore(ctx, archive)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// restore writes the archive under new ids. Parent and branch-root
// references are remapped through the same table so the tree structure
// survives; a reference pointing outside the archive is dropped rather
// than left dangling.
func (s *Service) restore(ctx context.Context, archive ThreadArchive) (string, error) {
	// Every id the archive itself declares gets a fresh replacement up
	// front. Remapping then becomes a pure lookup: an id without an entry
	// points outside the archive and resolves to "".
	idMap := make(map[string]string, len(archive.Messages)+1)
	idMap[archive.Thread.ID] = uuid.NewString()
	for _, item := range archive.Messages {
		idMap[item.ID] = uuid.NewString()
	}
	remap := func(old string) string { return idMap[old] }

	thread := archive.Thread
	thread.ID = remap(thread.ID)
	thread.IsTemporary = false
	if err := s.repo.UpsertThread(ctx, &thread); err != nil {
		return "", fmt.Errorf("could not restore thread: %w", err)
	}

	items := make([]model.ThreadItem, 0, len(archive.Messages))
	for _, item := range archive.Messages {
		item.ID = remap(item.ID)
		item.ThreadID = thread.ID
		if item.ParentID != nil {
			if parent := remap(*item.ParentID); parent != "" {
				item.ParentID = &parent
			} else {
				item.ParentID = nil
			}
		}
		if item.BranchRootID != "" {
			item.BranchRootID = remap(item.BranchRootID)
		}
		if raw, ok := item.Metadata[branch.MetadataRootKey].(string); ok {
			if fresh := remap(raw); fresh != "" {
				item.Metadata[branch.MetadataRootKey] = fresh
			} else {
				delete(item.Metadata, branch.MetadataRootKey)
			}
		}
		items = append(items, item)
	}
	if err := s.repo.BulkUpsertItems(ctx, items); err != nil {
		return "", fmt.Errorf("could not restore items: %w", err)
	}
	return thread.ID, nil
}
