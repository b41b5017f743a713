package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultIPFSGateway serves ipfs:// URIs over HTTPS.
	DefaultIPFSGateway = "https://gateway.pinata.cloud/ipfs/"
	// DefaultMaxBytes caps one metadata document.
	DefaultMaxBytes int64 = 1 << 20
	// DefaultTimeout bounds one fetch.
	DefaultTimeout = 10 * time.Second
)

var (
	// ErrUnsupportedScheme indicates a URI the resolver cannot address.
	ErrUnsupportedScheme = errors.New("metadata: unsupported uri scheme")
	// ErrDocumentTooLarge indicates a document above the configured size cap.
	ErrDocumentTooLarge = errors.New("metadata: document too large")
	// ErrMalformedDocument indicates a payload that is not a JSON metadata object.
	ErrMalformedDocument = errors.New("metadata: malformed document")
	// ErrUnexpectedStatus indicates a non-2xx upstream response.
	ErrUnexpectedStatus = errors.New("metadata: unexpected status")
)

// ObjectGetter is the slice of the S3 API the resolver uses for s3:// URIs.
type ObjectGetter interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// Config configures a Resolver.
type Config struct {
	HTTPClient    *http.Client
	Timeout       time.Duration
	IPFSGateway   string
	RatePerSecond float64
	Burst         int
	MaxBytes      int64
	// S3 serves s3:// URIs; nil leaves them unsupported.
	S3           ObjectGetter
	DisableCache bool
	Logger       *zap.Logger
}

// Resolver fetches token metadata documents. Successful documents are cached for the life of the resolver
// since a token's metadata never changes once published.
type Resolver struct {
	httpClient  *http.Client
	timeout     time.Duration
	ipfsGateway string
	limiter     *rate.Limiter
	maxBytes    int64
	s3          ObjectGetter
	logger      *zap.Logger

	cacheEnabled bool
	cacheMu      sync.RWMutex
	cache        map[string]market.Metadata
}

type document struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// NewResolver constructs a Resolver.
func NewResolver(cfg Config) *Resolver {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	gateway := strings.TrimSpace(cfg.IPFSGateway)
	if gateway == "" {
		gateway = DefaultIPFSGateway
	}
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		httpClient:   httpClient,
		timeout:      timeout,
		ipfsGateway:  gateway,
		limiter:      rate.NewLimiter(limit, burst),
		maxBytes:     maxBytes,
		s3:           cfg.S3,
		logger:       logger,
		cacheEnabled: !cfg.DisableCache,
		cache:        make(map[string]market.Metadata),
	}
}

// NewS3Client builds an S3 client for region using the default AWS credential chain.
func NewS3Client(region string) (*s3.S3, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return s3.New(sess), nil
}

// Fetch resolves uri to its metadata. Every failure is a *market.MetadataFetchError.
func (r *Resolver) Fetch(ctx context.Context, uri string) (market.Metadata, error) {
	if cached, ok := r.cached(uri); ok {
		return cached, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return market.Metadata{}, &market.MetadataFetchError{URI: uri, Err: err}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, status, err := r.read(fetchCtx, uri)
	if err != nil {
		r.logger.Warn("metadata fetch failed", zap.String("uri", uri), zap.Int("status", status), zap.Error(err))
		return market.Metadata{}, &market.MetadataFetchError{URI: uri, StatusCode: status, Err: err}
	}

	metadata, err := r.decode(payload)
	if err != nil {
		r.logger.Warn("metadata document rejected", zap.String("uri", uri), zap.Error(err))
		return market.Metadata{}, &market.MetadataFetchError{URI: uri, Err: err}
	}

	r.store(uri, metadata)
	return metadata, nil
}

func (r *Resolver) read(ctx context.Context, uri string) ([]byte, int, error) {
	uri = strings.TrimSpace(uri)
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return r.readHTTP(ctx, parsed.String())
	case "ipfs":
		return r.readHTTP(ctx, r.gatewayURL(uri))
	case "s3":
		payload, err := r.readS3(ctx, parsed.Host, strings.TrimPrefix(parsed.Path, "/"))
		return payload, 0, err
	default:
		return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}
}

func (r *Resolver) readHTTP(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, resp.StatusCode, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	payload, err := r.readLimited(resp.Body)
	return payload, resp.StatusCode, err
}

func (r *Resolver) readS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if r.s3 == nil {
		return nil, fmt.Errorf("%w: s3 client not configured", ErrUnsupportedScheme)
	}
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: s3 uri needs bucket and key", ErrUnsupportedScheme)
	}
	output, err := r.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()
	return r.readLimited(output.Body)
}

func (r *Resolver) readLimited(body io.Reader) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > r.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrDocumentTooLarge, r.maxBytes)
	}
	return payload, nil
}

func (r *Resolver) decode(payload []byte) (market.Metadata, error) {
	var doc document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return market.Metadata{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if doc.Name == "" && doc.Image == "" {
		return market.Metadata{}, fmt.Errorf("%w: missing name and image", ErrMalformedDocument)
	}
	image := strings.TrimSpace(doc.Image)
	if strings.HasPrefix(strings.ToLower(image), "ipfs://") {
		image = r.gatewayURL(image)
	}
	return market.Metadata{Name: doc.Name, Description: doc.Description, Image: image}, nil
}

// gatewayURL rewrites ipfs://<cid>/<path> (or ipfs://ipfs/<cid>) onto the HTTP gateway.
func (r *Resolver) gatewayURL(uri string) string {
	path := uri[len("ipfs://"):]
	path = strings.TrimPrefix(path, "ipfs/")
	return r.ipfsGateway + path
}

func (r *Resolver) cached(uri string) (market.Metadata, bool) {
	if !r.cacheEnabled {
		return market.Metadata{}, false
	}
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	metadata, ok := r.cache[uri]
	return metadata, ok
}

func (r *Resolver) store(uri string, metadata market.Metadata) {
	if !r.cacheEnabled {
		return
	}
	r.cacheMu.Lock()
	r.cache[uri] = metadata
	r.cacheMu.Unlock()
}
