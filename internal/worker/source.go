package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"modelpool/pkg/types"
)

// DirSource resolves markdown sources against a storage root on disk.
// The request's MarkdownSource is taken as a path relative to the root;
// when it is empty the conventional layout
// {workspace}/{library}/{file}.md is used.
type DirSource struct {
	Root string
}

func (s DirSource) Open(ctx context.Context, ev types.EmbeddingRequestEvent) (io.ReadCloser, error) {
	rel := ev.MarkdownSource
	if rel == "" {
		rel = filepath.Join(ev.WorkspaceID, ev.LibraryID, ev.FileID+".md")
	}
	path := filepath.Join(s.Root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(path, filepath.Clean(s.Root)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("source path %q escapes storage root", rel)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open markdown source: %w", err)
	}
	return f, nil
}
