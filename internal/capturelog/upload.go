package capturelog

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/voxhome/voxd/internal/config"
	"github.com/voxhome/voxd/internal/util"
)

// defaultUploadTimeout bounds one upload when the config leaves it unset.
const defaultUploadTimeout = 5 * time.Minute

// uploader ships capture-log files to an S3-compatible bucket.
type uploader struct {
	client   *s3.Client
	bucket   string
	prefix   string
	deviceID string
	timeout  time.Duration
}

func newUploader(cfg config.CaptureLogConfig, deviceID string) (*uploader, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}
	if cfg.S3Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		})
	}

	timeout := defaultUploadTimeout
	if cfg.UploadTimeoutMs > 0 {
		timeout = time.Duration(cfg.UploadTimeoutMs) * time.Millisecond
	}

	return &uploader{
		client:   s3.New(s3.Options{}, options...),
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		deviceID: deviceID,
		timeout:  timeout,
	}, nil
}

// Upload ships one file under <prefix>/<device-id>/<filename>.
func (u *uploader) Upload(localPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()

	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return util.WrapError("stat capture log", err)
	}

	key := path.Join(u.prefix, u.deviceID, filepath.Base(localPath))
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/jsonl"),
	})
	if err != nil {
		return util.WrapError("upload capture log", err)
	}
	return nil
}
