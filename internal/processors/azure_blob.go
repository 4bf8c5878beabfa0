package processors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ingestq/internal/config"
	"ingestq/pkg/queue"
)

// blobAPI is the part of *azblob.Client the processor uses.
type blobAPI interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	CreateContainer(ctx context.Context, containerName string, o *azblob.CreateContainerOptions) (azblob.CreateContainerResponse, error)
}

// AzureBlob stores every message as its own block blob under
// <prefix>/yyyy/mm/dd/hh/<uuid>.bin.
type AzureBlob struct {
	api       blobAPI
	container string
	prefix    string
	now       func() time.Time
	newID     func() string
	log       *zap.Logger
	tracer    trace.Tracer
}

// NewAzureBlob authenticates per cfg.AuthType and makes sure the container exists.
func NewAzureBlob(ctx context.Context, cfg config.AzureBlobConfig, log *zap.Logger) (*AzureBlob, error) {
	if cfg.AccountURL == "" || cfg.Container == "" {
		return nil, errors.New("azure_blob: account_url and container required")
	}
	api, err := newBlobClient(cfg)
	if err != nil {
		return nil, err
	}
	p := newAzureBlob(api, cfg, log)
	if err := p.ensureContainer(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func newAzureBlob(api blobAPI, cfg config.AzureBlobConfig, log *zap.Logger) *AzureBlob {
	if log == nil {
		log = zap.NewNop()
	}
	return &AzureBlob{
		api:       api,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		now:       time.Now,
		newID:     uuid.NewString,
		log:       log.Named("azure_blob").With(zap.String("container", cfg.Container)),
		tracer:    otel.Tracer("ingestq/processors"),
	}
}

func newBlobClient(cfg config.AzureBlobConfig) (*azblob.Client, error) {
	account := strings.TrimRight(cfg.AccountURL, "/") + "/"
	var cred azcore.TokenCredential
	var err error
	switch cfg.AuthType {
	case "sas":
		c, err := azblob.NewClientWithNoCredential(account+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
		if err != nil {
			return nil, fmt.Errorf("azure_blob sas client: %w", err)
		}
		return c, nil
	case "service_principal":
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	case "", "default":
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	default:
		return nil, fmt.Errorf("azure_blob: unsupported auth type %q", cfg.AuthType)
	}
	if err != nil {
		return nil, fmt.Errorf("azure_blob credential: %w", err)
	}
	c, err := azblob.NewClient(account, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure_blob client: %w", err)
	}
	return c, nil
}

func (p *AzureBlob) ensureContainer(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := p.api.CreateContainer(ctx, p.container, nil)
	if err == nil {
		p.log.Info("container created")
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("azure_blob: ensure container %s: %w", p.container, err)
}

func (p *AzureBlob) blobName() string {
	return path.Join(p.prefix, p.now().UTC().Format("2006/01/02/15"), p.newID()+".bin")
}

func (p *AzureBlob) Process(ctx context.Context, msg queue.Message) error {
	name := p.blobName()
	ctx, span := p.tracer.Start(ctx, "azure_blob.upload", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("blob.name", name), attribute.Int("message.size", len(msg))))
	defer span.End()

	_, err := p.api.UploadBuffer(ctx, p.container, name, msg, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/octet-stream")},
		Metadata:    map[string]*string{"size": to.Ptr(strconv.Itoa(len(msg)))},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("azure_blob: upload %s: %w", name, err)
	}
	return nil
}
