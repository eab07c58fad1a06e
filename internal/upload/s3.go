package upload

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/flowmesh/switchboard/internal/switchboard"
)

// sinkExtensions enumerates the recorder sink files a stream's directory
// may contain, matching internal/recorder's sinkPair naming.
var sinkExtensions = [...]string{".audio", ".video"}

// S3Config holds the credentials and region used by S3Backend. Grounded on
// the teacher's pkg/storage.S3Config, generalized from a fixed
// ads/recordings bucket pair to the per-request bucket the stream-upload
// handler already receives.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Backend uploads a stream's recorder sink files directly to S3 via the
// AWS SDK, as an alternative to shelling out to an external helper.
type S3Backend struct {
	name     string
	client   *s3.Client
	uploader *manager.Uploader
	region   string
	log      *zap.Logger
}

// NewS3Backend loads AWS credentials the same way the teacher's storage
// package does: explicit config values fall back to
// AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY, and absent both, the default AWS
// credential chain. A nil logger is replaced with a no-op logger.
func NewS3Backend(ctx context.Context, name string, cfg S3Config, log *zap.Logger) (*S3Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	} else {
		log.Warn("s3 upload backend using default credential chain", zap.String("backend", name))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})
	return &S3Backend{name: name, client: client, uploader: uploader, region: cfg.Region, log: log}, nil
}

func (b *S3Backend) Name() string { return b.name }

// Upload puts each sink file present under recordsDir at key
// recordings/<streamID>/<filename>, skipping any sink extension whose file
// does not exist (a stream with audio but no video, or vice versa).
func (b *S3Backend) Upload(ctx context.Context, streamID, bucket, recordsDir string) (Result, error) {
	entries, err := os.ReadDir(recordsDir)
	if err != nil {
		return Result{}, &switchboard.Error{Kind: switchboard.KindNotFound, Op: "upload.s3", Err: fmt.Errorf("records directory: %w", err)}
	}

	uris := make([]string, 0, len(sinkExtensions))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		ext := path.Ext(name)
		matched := false
		for _, want := range sinkExtensions {
			if ext == want {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		fpath := path.Join(recordsDir, name)
		f, err := os.Open(fpath)
		if err != nil {
			return Result{}, &switchboard.Error{Kind: switchboard.KindExternalFailure, Op: "upload.s3", Err: err}
		}

		key := path.Join("recordings", streamID, name)
		_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return Result{}, &switchboard.Error{Kind: switchboard.KindExternalFailure, Op: "upload.s3", Err: fmt.Errorf("upload %s: %w", key, err)}
		}
		uris = append(uris, fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, b.region, key))
	}

	return Result{DumpsURIs: uris}, nil
}
