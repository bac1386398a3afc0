package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"lessonforge/internal/config"
)

const folderMimeType = "application/vnd.google-apps.folder"

// Drive uploads artifacts to Google Drive, one folder per unit below the
// configured root folder.
type Drive struct {
	svc    *drive.Service
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	folders map[string]string
}

// NewDrive creates the Drive service from a service account credentials file.
// Extra client options are applied last.
func NewDrive(ctx context.Context, cfg config.UploadConfig, logger *slog.Logger, opts ...option.ClientOption) (*Drive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := make([]option.ClientOption, 0, len(opts)+1)
	if cfg.DriveCredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.DriveCredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	root := cfg.DriveRootFolderID
	if root == "" {
		root = "root"
	}

	return &Drive{
		svc:     svc,
		root:    root,
		logger:  logger.With(slog.String("component", "uploader"), slog.String("backend", "drive")),
		folders: make(map[string]string),
	}, nil
}

// Upload implements Uploader.
func (d *Drive) Upload(ctx context.Context, a Artifact) (Result, error) {
	parent, err := d.ensureFolder(ctx, cleanFolder(a.Folder))
	if err != nil {
		return Result{}, err
	}

	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = "text/markdown"
	}
	name := SafeName(a.Name)

	file, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		Parents:  []string{parent},
		MimeType: mimeType,
	}).Media(bytes.NewReader(a.Content)).
		Fields("id", "name", "webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return Result{}, fmt.Errorf("drive upload %s: %w", name, err)
	}

	d.logger.InfoContext(ctx, "artifact_uploaded",
		slog.String("file_id", file.Id),
		slog.String("name", name),
		slog.String("parent", parent))

	return Result{ID: file.Id, Filename: file.Name, URL: file.WebViewLink}, nil
}

// ensureFolder walks folder below the root, creating missing segments.
func (d *Drive) ensureFolder(ctx context.Context, folder string) (string, error) {
	parent := d.root
	if folder == "" {
		return parent, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	walked := ""
	for _, seg := range strings.Split(folder, "/") {
		walked = strings.TrimPrefix(walked+"/"+seg, "/")
		if id, ok := d.folders[walked]; ok {
			parent = id
			continue
		}

		id, err := d.findFolder(ctx, parent, seg)
		if err != nil {
			return "", err
		}
		if id == "" {
			created, err := d.svc.Files.Create(&drive.File{
				Name:     seg,
				MimeType: folderMimeType,
				Parents:  []string{parent},
			}).Fields("id").Context(ctx).Do()
			if err != nil {
				return "", fmt.Errorf("drive create folder %s: %w", seg, err)
			}
			id = created.Id
			d.logger.DebugContext(ctx, "folder_created", slog.String("folder", walked), slog.String("id", id))
		}

		d.folders[walked] = id
		parent = id
	}
	return parent, nil
}

func (d *Drive) findFolder(ctx context.Context, parent, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and '%s' in parents and trashed = false",
		escapeQuery(name), folderMimeType, escapeQuery(parent))
	list, err := d.svc.Files.List().Q(q).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive find folder %s: %w", name, err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	if list.Files[0].Id == "" {
		return "", errors.New("drive returned a folder without id")
	}
	return list.Files[0].Id, nil
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
