// Package archive keeps the compliance reports in S3
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/slytomcat/devtokenizer/compliance"
)

// Config - archive cofiguration
type Config struct {
	Bucket     string
	Region     string
	AccesKeyID string
	SecretKey  string
	Endpoint   string
	Path       string // key prefix, e.g. "reports/"
}

// Archive - report storage
type Archive struct {
	svc    s3iface.S3API
	bucket string
	path   string
}

// NewArchive creates new S3 connection and checks the bucket
func NewArchive(conf *Config) (*Archive, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("aws session creation error: %w", err)
	}
	awsConf := &aws.Config{
		Region:      aws.String(conf.Region),
		Credentials: credentials.NewStaticCredentials(conf.AccesKeyID, conf.SecretKey, ""),
	}
	if conf.Endpoint != "" {
		awsConf.Endpoint = aws.String(conf.Endpoint)
		awsConf.S3ForcePathStyle = aws.Bool(true)
	}
	a := New(s3.New(sess, awsConf), conf.Bucket, conf.Path)
	if err := a.Check(); err != nil {
		return nil, fmt.Errorf("bucket %s checking error: %w", conf.Bucket, err)
	}
	return a, nil
}

// New returns the archive over S3 client
func New(svc s3iface.S3API, bucket, path string) *Archive {
	return &Archive{svc: svc, bucket: bucket, path: path}
}

// Put - puts the data under specified path
func (a *Archive) Put(path string, payload []byte) error {
	_, err := a.svc.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.path + path),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put error: %w", err)
	}
	return nil
}

// Get - returns the data stored under specified path
func (a *Archive) Get(path string) ([]byte, error) {
	resp, err := a.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.path + path),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get error: %w", err)
	}
	defer resp.Body.Close()
	return ioutil.ReadAll(resp.Body)
}

// ReportKey returns the object name for the report generated at t
func ReportKey(t time.Time) string {
	return "compliance-report-" + t.UTC().Format("20060102T150405.000Z") + ".json"
}

// PutReport stores the report and returns its object name
func (a *Archive) PutReport(r *compliance.Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("report marshaling error: %w", err)
	}
	key := ReportKey(r.Timestamp)
	return key, a.Put(key, data)
}

// GetURL - returns URL for given object name
func (a *Archive) GetURL(key string) string {
	return fmt.Sprintf("http://%s/%s%s", a.bucket, a.path, key)
}

// Check - checks the s3 connection and the bucket existence
func (a *Archive) Check() error {
	_, err := a.svc.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	return err
}
