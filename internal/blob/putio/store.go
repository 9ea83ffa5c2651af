package putio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/italolelis/asset_uploader/internal/blob"
	"github.com/italolelis/asset_uploader/internal/logctx"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
)

// filesAPI is the subset of putio.FilesService the store relies on.
type filesAPI interface {
	List(ctx context.Context, id int64) ([]putio.File, putio.File, error)
	CreateFolder(ctx context.Context, name string, parent int64) (putio.File, error)
	Upload(ctx context.Context, r io.Reader, filename string, parent int64) (putio.Upload, error)
	URL(ctx context.Context, id int64, useTunnel bool) (string, error)
}

// Store uploads objects into a Put.io folder tree rooted at rootID.
// go-putio buffers the multipart body, so progress tracks bytes handed to the client.
type Store struct {
	putioClient *putio.Client
	files       filesAPI
	rootID      int64
	interval    int64

	mu      sync.Mutex
	folders map[string]int64
}

func NewStore(token string, rootID int64) *Store {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)
	client := putio.NewClient(oauthClient)

	return &Store{
		putioClient: client,
		files:       client.Files,
		rootID:      rootID,
		folders:     make(map[string]int64),
	}
}

func (s *Store) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := s.putioClient.Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// Open implements blob.Store.
func (s *Store) Open(ctx context.Context, obj blob.Object, r io.Reader) (blob.Handle, error) {
	if obj.Name == "" {
		return nil, fmt.Errorf("object name cannot be empty")
	}

	return blob.StartStream(ctx, obj, r, s.interval, s.upload), nil
}

func (s *Store) upload(ctx context.Context, obj blob.Object, r io.Reader) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("object", obj.Path())

	parentID, err := s.folderID(ctx, obj.Folder)
	if err != nil {
		return "", err
	}

	logger.DebugContext(ctx, "uploading object to Put.io", "parent_id", parentID)

	up, err := s.files.Upload(ctx, r, obj.Name, parentID)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", obj.Path(), err)
	}

	if up.File == nil {
		return "", fmt.Errorf("put.io accepted %s without returning a file", obj.Path())
	}

	url, err := s.files.URL(ctx, up.File.ID, false)
	if err != nil {
		return "", fmt.Errorf("failed to get file url: %w", err)
	}

	logger.InfoContext(ctx, "object uploaded to Put.io", "file_id", up.File.ID)

	return url, nil
}

// folderID resolves a slash separated folder path below the root, creating missing folders.
func (s *Store) folderID(ctx context.Context, folder string) (int64, error) {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return s.rootID, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.folders[folder]; ok {
		return id, nil
	}

	parentID := s.rootID
	walked := ""

	for _, name := range strings.Split(folder, "/") {
		if walked == "" {
			walked = name
		} else {
			walked += "/" + name
		}

		if id, ok := s.folders[walked]; ok {
			parentID = id

			continue
		}

		id, err := s.childFolder(ctx, parentID, name)
		if err != nil {
			return 0, err
		}

		s.folders[walked] = id
		parentID = id
	}

	return parentID, nil
}

func (s *Store) childFolder(ctx context.Context, parentID int64, name string) (int64, error) {
	children, _, err := s.files.List(ctx, parentID)
	if err != nil {
		return 0, fmt.Errorf("failed to list folder %d: %w", parentID, err)
	}

	for _, f := range children {
		if f.IsDir() && f.Name == name {
			return f.ID, nil
		}
	}

	created, err := s.files.CreateFolder(ctx, name, parentID)
	if err != nil {
		return 0, fmt.Errorf("failed to create folder %s: %w", name, err)
	}

	return created.ID, nil
}
