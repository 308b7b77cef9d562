// Package s3remote keeps the cloud copy of every profile's actions in an S3
// bucket (or any S3-compatible store), one JSON object per action under
// <prefix>profiles/<profileID>/<actionID>.json.
package s3remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"
	"strings"
	gosync "sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/errors"
	"github.com/teranos/cradle/sync"
)

// Config configures the S3 backend.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles or the standard AWS
	// environment variables over setting these directly.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool   // Use path-style addressing
	// Concurrency bounds parallel object reads and writes. Defaults to 8.
	Concurrency int
}

// ObjectAPI is the part of the S3 client this package uses.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// updatedAtMeta is the object metadata key holding the action's updatedAt.
const updatedAtMeta = "updated-at"

// Remote implements sync.Remote on S3.
type Remote struct {
	client ObjectAPI
	cfg    Config
	logger *zap.SugaredLogger

	// versions remembers the updatedAt of objects last read or written, so
	// pushes of unchanged actions skip the network.
	mu       gosync.Mutex
	versions map[string]time.Time
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Remote, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewInvalidRequestError("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectAPI, cfg Config, logger *zap.SugaredLogger) *Remote {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Remote{client: client, cfg: cfg, logger: logger, versions: make(map[string]time.Time)}
}

func (r *Remote) root() string {
	return r.cfg.Prefix + "profiles/"
}

func (r *Remote) key(profileID, actionID uuid.UUID) string {
	return r.root() + profileID.String() + "/" + actionID.String() + ".json"
}

// parseKey splits an object key back into its profile and action ids.
func (r *Remote) parseKey(key string) (profileID, actionID uuid.UUID, ok bool) {
	rest, found := strings.CutPrefix(key, r.root())
	if !found {
		return uuid.Nil, uuid.Nil, false
	}
	dir, file := path.Split(rest)
	pid, err := uuid.Parse(strings.TrimSuffix(dir, "/"))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	aid, err := uuid.Parse(strings.TrimSuffix(file, ".json"))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return pid, aid, true
}

type objectRef struct {
	key       string
	profileID uuid.UUID
	actionID  uuid.UUID
}

// FetchSnapshot lists every action object and reads them in parallel.
// Objects that cannot be read or decoded are reported as known ids.
func (r *Remote) FetchSnapshot(ctx context.Context) (*sync.Snapshot, error) {
	var refs []objectRef
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.cfg.Bucket),
		Prefix: aws.String(r.root()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "S3 list objects failed")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			pid, aid, ok := r.parseKey(key)
			if !ok {
				continue
			}
			refs = append(refs, objectRef{key: key, profileID: pid, actionID: aid})
		}
	}
	r.retain(refs)

	snap := &sync.Snapshot{
		Profiles: make(map[uuid.UUID][]action.Action),
		Known:    make(map[uuid.UUID][]uuid.UUID),
	}
	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, ref := range refs {
		g.Go(func() error {
			a, err := r.read(gctx, ref.key)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil || a.ID != ref.actionID {
				r.logger.Warnw("Skipping unreadable remote action", "path", ref.key, "error", err)
				snap.Known[ref.profileID] = append(snap.Known[ref.profileID], ref.actionID)
				return nil
			}
			snap.Profiles[ref.profileID] = append(snap.Profiles[ref.profileID], a)
			r.remember(ref.key, a.UpdatedAt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "read remote actions")
	}
	return snap, nil
}

func (r *Remote) read(ctx context.Context, key string) (action.Action, error) {
	resp, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return action.Action{}, errors.Wrap(err, "S3 get object failed")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return action.Action{}, errors.Wrap(err, "S3 read body failed")
	}
	var a action.Action
	if err := json.Unmarshal(body, &a); err != nil {
		return action.Action{}, errors.Wrapf(err, "decode %s", key)
	}
	return a, nil
}

// Push writes every upsert that is newer than the stored object and deletes
// every deleted id. A stored object with an equal or newer updatedAt is kept,
// the same rule the local resolver applies. S3 has no transactions, so a
// failed push may leave part of it applied; the next push carries the full
// state again.
func (r *Remote) Push(ctx context.Context, profileID uuid.UUID, upserts []action.Action, deletedIDs []uuid.UUID) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, a := range upserts {
		g.Go(func() error {
			return r.put(gctx, r.key(profileID, a.ID), a)
		})
	}
	for _, id := range deletedIDs {
		g.Go(func() error {
			key := r.key(profileID, id)
			_, err := r.client.DeleteObject(gctx, &s3.DeleteObjectInput{
				Bucket: aws.String(r.cfg.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return errors.Wrapf(err, "S3 delete object failed for action %s", id)
			}
			r.forget(key)
			return nil
		})
	}
	return g.Wait()
}

func (r *Remote) put(ctx context.Context, key string, a action.Action) error {
	if stored, ok := r.version(key); ok && !stored.Before(a.UpdatedAt) {
		return nil
	}
	stored, found, err := r.head(ctx, key)
	if err != nil {
		return err
	}
	if found && !stored.Before(a.UpdatedAt) {
		r.remember(key, stored)
		return nil
	}

	body, err := json.Marshal(a)
	if err != nil {
		return errors.Wrapf(err, "encode action %s", a.ID)
	}
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{updatedAtMeta: a.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	})
	if err != nil {
		return errors.Wrapf(err, "S3 put object failed for action %s", a.ID)
	}
	r.remember(key, a.UpdatedAt)
	return nil
}

// head reads the stored object's updatedAt. An object without the metadata
// reads as the zero time so any upsert replaces it.
func (r *Remote) head(ctx context.Context, key string) (time.Time, bool, error) {
	out, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, errors.Wrap(err, "S3 head object failed")
	}
	stored, err := time.Parse(time.RFC3339Nano, out.Metadata[updatedAtMeta])
	if err != nil {
		return time.Time{}, true, nil
	}
	return stored, true, nil
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

func (r *Remote) version(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.versions[key]
	return t, ok
}

func (r *Remote) remember(key string, t time.Time) {
	r.mu.Lock()
	r.versions[key] = t
	r.mu.Unlock()
}

func (r *Remote) forget(key string) {
	r.mu.Lock()
	delete(r.versions, key)
	r.mu.Unlock()
}

// retain drops remembered versions of objects the listing no longer shows,
// such as ones another device deleted.
func (r *Remote) retain(listed []objectRef) {
	keep := make(map[string]struct{}, len(listed))
	for _, ref := range listed {
		keep[ref.key] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.versions {
		if _, ok := keep[key]; !ok {
			delete(r.versions, key)
		}
	}
}
