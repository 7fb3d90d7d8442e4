// Package storage issues pre-signed S3 URLs for encrypted attachment
// blobs and tracks attachment records in Postgres. Clients encrypt
// attachments with the same per-message content key scheme as message
// bodies before uploading, so the object store only ever holds
// ciphertext.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"gitlab.com/sohbet/services/backend/internal/models"
)

const (
	uploadURLTTL   = 15 * time.Minute
	downloadURLTTL = 1 * time.Hour
)

type Service struct {
	db           *sql.DB
	client       *minio.Client
	bucketName   string
	bucketRegion string
}

// NewService connects to the S3-compatible store configured via
// S3_ENDPOINT / S3_ACCESS_KEY / S3_SECRET_KEY / S3_BUCKET / S3_REGION.
func NewService(db *sql.DB) (*Service, error) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	accessKey := os.Getenv("S3_ACCESS_KEY")
	if accessKey == "" {
		accessKey = "minioadmin"
	}
	secretKey := os.Getenv("S3_SECRET_KEY")
	if secretKey == "" {
		secretKey = "minioadmin"
	}
	bucketName := os.Getenv("S3_BUCKET")
	if bucketName == "" {
		bucketName = "sohbet-attachments"
	}
	bucketRegion := os.Getenv("S3_REGION")
	if bucketRegion == "" {
		bucketRegion = "us-east-1"
	}
	useSSL := os.Getenv("S3_USE_SSL") == "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	service := &Service{
		db:           db,
		client:       client,
		bucketName:   bucketName,
		bucketRegion: bucketRegion,
	}

	if err := service.ensureBucket(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}

	return service, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{
			Region: s.bucketRegion,
		})
		if err != nil {
			return err
		}
		log.Printf("[Storage] Created bucket: %s", s.bucketName)
	}
	return nil
}

// GenerateUploadURL issues a pre-signed PUT URL under a fresh storage
// key scoped to the chat.
func (s *Service) GenerateUploadURL(ctx context.Context, req models.UploadRequest) (*models.UploadResponse, error) {
	ext := filepath.Ext(req.FileName)
	storageKey := fmt.Sprintf("%s/%s%s", req.ChatID, uuid.New().String(), ext)

	presignedURL, err := s.client.PresignedPutObject(ctx, s.bucketName, storageKey, uploadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate upload URL: %w", err)
	}

	return &models.UploadResponse{
		UploadURL:  presignedURL.String(),
		StorageKey: storageKey,
		ExpiresAt:  time.Now().Add(uploadURLTTL),
	}, nil
}

// GenerateDownloadURL issues a pre-signed GET URL for a stored blob.
func (s *Service) GenerateDownloadURL(ctx context.Context, storageKey string) (*models.DownloadResponse, error) {
	presignedURL, err := s.client.PresignedGetObject(ctx, s.bucketName, storageKey, downloadURLTTL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate download URL: %w", err)
	}

	return &models.DownloadResponse{
		DownloadURL: presignedURL.String(),
		ExpiresAt:   time.Now().Add(downloadURLTTL),
	}, nil
}

// CreateAttachment records an uploaded blob against a message.
func (s *Service) CreateAttachment(ctx context.Context, messageID uuid.UUID, storageKey, fileName string, fileSize int64, mimeType string) (*models.Attachment, error) {
	attachment := &models.Attachment{
		ID:         uuid.New(),
		MessageID:  messageID,
		StorageKey: storageKey,
		FileName:   fileName,
		FileSize:   fileSize,
		MimeType:   mimeType,
		CreatedAt:  time.Now(),
	}

	query := `
		INSERT INTO attachments (id, message_id, storage_key, file_name, file_size, mime_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, message_id, storage_key, file_name, file_size, mime_type, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		attachment.ID, attachment.MessageID, attachment.StorageKey, attachment.FileName,
		attachment.FileSize, attachment.MimeType, attachment.CreatedAt,
	).Scan(&attachment.ID, &attachment.MessageID, &attachment.StorageKey, &attachment.FileName,
		&attachment.FileSize, &attachment.MimeType, &attachment.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to create attachment: %w", err)
	}

	return attachment, nil
}

// AttachToMessages loads the attachments for a fetched message page in
// one query and attaches them to their records.
func (s *Service) AttachToMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*models.Message, len(msgs))
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = m
		ids[i] = m.ID.String()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, storage_key, file_name, file_size, mime_type, created_at
		FROM attachments
		WHERE message_id = ANY($1)
		ORDER BY created_at ASC
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var att models.Attachment
		err := rows.Scan(&att.ID, &att.MessageID, &att.StorageKey, &att.FileName,
			&att.FileSize, &att.MimeType, &att.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		if m, ok := byID[att.MessageID]; ok {
			m.Attachments = append(m.Attachments, &att)
		}
	}

	return rows.Err()
}
