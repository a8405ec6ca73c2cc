package urls

import (
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// AWSRegion, when set, overrides the region used for S3 reads. Left empty,
// the SDK's usual environment and shared-config resolution applies.
var AWSRegion string

// Open returns a reader for the resource a URL points at. Schemeless URLs
// and file:// URLs read from the local filesystem; s3:// URLs download the
// object.
func Open(u URL) (io.ReadCloser, error) {
	switch u.Scheme {
	case "s3":
		return openS3(u)
	case "", "file":
		return os.Open(u.Path)
	default:
		return nil, errors.Errorf("cannot open URL scheme %q", u.Scheme)
	}
}

func openS3(u URL) (io.ReadCloser, error) {
	if u.Host == "" {
		return nil, errors.New("s3 URL requires a bucket hostname")
	}

	config := aws.NewConfig()
	if AWSRegion != "" {
		config = config.WithRegion(AWSRegion)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "create AWS session")
	}

	key := strings.TrimPrefix(u.Path, "/")
	log.WithFields(log.Fields{"bucket": u.Host, "key": key}).Debug("Downloading S3 object.")

	response, err := s3.New(sess).GetObject(&s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "download s3://%s/%s", u.Host, key)
	}
	return response.Body, nil
}
