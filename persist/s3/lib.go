package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/golang-lru/simplelru"
)

// S3Interface is the subset of the S3 client used by Persist.
type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// Persist implements the opstore.Persist interface for storing and loading
// operations and manifests as objects in a bucket.
type Persist struct {
	s3         S3Interface
	BucketName string
	Prefix     string

	// names known to be stored already; content under a name never changes
	mu  sync.Mutex
	lru *simplelru.LRU
}

func (p *Persist) remember(name string) {
	p.mu.Lock()
	p.lru.Add(name, nil)
	p.mu.Unlock()
}

func (p *Persist) known(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Contains(name)
}

// Load loads the bytes persisted in the named object.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	input := s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
	}
	output, err := p.s3.GetObjectWithContext(ctx, &input)
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", p.Prefix+name, err)
	}
	defer output.Body.Close()
	b, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", p.Prefix+name, err)
	}
	p.remember(name)
	return b, nil
}

// Store persists the given bytes in an object of the given name, unless it
// is known to exist already.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	if p.known(name) {
		return nil
	}
	input := s3.PutObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
		Body:   bytes.NewReader(b),
	}
	_, err := p.s3.PutObjectWithContext(ctx, &input)
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", p.Prefix+name, err)
	}
	p.remember(name)
	return nil
}

// NewPersist returns a Persist that loads and stores operations as objects
// named prefix+name with the given S3 client and bucket name.
func NewPersist(client S3Interface, bucketName, prefix string) *Persist {
	lru, err := simplelru.NewLRU(1000, nil)
	if err != nil {
		panic(err)
	}
	return &Persist{s3: client, BucketName: bucketName, Prefix: prefix, lru: lru}
}
