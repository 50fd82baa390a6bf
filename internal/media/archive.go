package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"zappipe/config"
	"zappipe/internal/models"
)

// Archiver stores downloaded media and returns its storage key.
type Archiver interface {
	Archive(ctx context.Context, job *models.TranscriptionJob, data []byte, mimeType string) (string, error)
}

// objectPutter is the part of the S3 client the archive uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive uploads media to an S3 compatible bucket.
type S3Archive struct {
	client objectPutter
	cfg    config.S3Config
	now    func() time.Time
}

// NewS3Archive builds the S3 client from static credentials.
func NewS3Archive(cfg config.S3Config) (*S3Archive, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	endpoint := cfg.Endpoint
	// endpoint should not contain the bucket name
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().Str("endpoint", endpoint).Str("bucket", cfg.Bucket).Msg("Cleaned bucket name from S3 endpoint")
	}

	// buckets with dots break virtual-hosted TLS certificates
	usePathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	client := s3.New(s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = usePathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", usePathStyle).
		Msg("S3 media archive initialized")
	return &S3Archive{client: client, cfg: cfg, now: time.Now}, nil
}

// Key builds "users/<connection>/<inbox|outbox>/<contact>/<yyyy>/<mm>/<dd>/<kind>/<message><ext>".
func (a *S3Archive) Key(job *models.TranscriptionJob, mimeType string) string {
	direction := "outbox"
	if job.Direction != models.DirectionOutbound {
		direction = "inbox"
	}
	contact := strings.NewReplacer("@", "_", ":", "_").Replace(job.ContactID)
	if contact == "" {
		contact = "unknown"
	}

	folder := "documents"
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		folder = "images"
	case strings.HasPrefix(mimeType, "video/"):
		folder = "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		folder = "audio"
	}

	now := a.now()
	return fmt.Sprintf("users/%s/%s/%s/%s/%s/%s/%s/%s%s",
		job.ConnectionID,
		direction,
		contact,
		now.Format("2006"),
		now.Format("01"),
		now.Format("02"),
		folder,
		job.MessageID,
		extensionFor(mimeType),
	)
}

func (a *S3Archive) Archive(ctx context.Context, job *models.TranscriptionJob, data []byte, mimeType string) (string, error) {
	key := a.Key(job, mimeType)

	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(a.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if a.cfg.EnableACL {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if a.cfg.RetentionDays > 0 {
		expires := a.now().Add(time.Duration(a.cfg.RetentionDays) * 24 * time.Hour)
		input.Expires = &expires
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).
			Str("key", key).
			Str("bucket", a.cfg.Bucket).
			Str("mimeType", mimeType).
			Int("size", len(data)).
			Msg("Failed to upload media to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Debug().Str("key", key).Int("size", len(data)).Msg("Media archived to S3")
	return key, nil
}

// PublicURL returns the URL of key under the configured public base or endpoint.
func (a *S3Archive) PublicURL(key string) string {
	if a.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.cfg.PublicURL, "/"), a.cfg.Bucket, key)
	}
	if a.cfg.Endpoint != "" && !strings.Contains(a.cfg.Endpoint, "amazonaws.com") {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.cfg.Endpoint, "/"), a.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.cfg.Bucket, a.cfg.Region, key)
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "mpeg"):
		return ".mp3"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "wordprocessingml"), strings.Contains(mimeType, "docx"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	case strings.HasPrefix(mimeType, "text/"):
		return ".txt"
	}
	return ".bin"
}
