package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// azureStorage serves the az scheme. Authentication uses either a full
// connection string (AZURE_STORAGE_CONNECTION_STRING) or an account name
// plus shared key (AZURE_STORAGE_ACCOUNT / AZURE_STORAGE_KEY).
type azureStorage struct {
	client          *azblob.Client
	container       string
	readBufferSize  int
	writeBufferSize int
}

// NewAzure creates an Azure Blob backend for one container.
func NewAzure(container string, cfg *config.PipelineConfig) (Storage, error) {
	client, err := newAzureClient()
	if err != nil {
		return nil, err
	}
	return &azureStorage{
		client:          client,
		container:       container,
		readBufferSize:  cfg.Storage.ReadBufferSize,
		writeBufferSize: cfg.Storage.WriteBufferSize,
	}, nil
}

func newAzureClient() (*azblob.Client, error) {
	if conn := os.Getenv("AZURE_STORAGE_CONNECTION_STRING"); conn != "" {
		client, err := azblob.NewClientFromConnectionString(conn, nil)
		if err != nil {
			return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeConfig, "parse Azure connection string")
		}
		return client, nil
	}

	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	key := os.Getenv("AZURE_STORAGE_KEY")
	if account == "" || key == "" {
		return nil, strataerrors.New(strataerrors.ErrorTypeConfig,
			"Azure credentials missing: set AZURE_STORAGE_CONNECTION_STRING or AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY")
	}

	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeConfig, "build Azure shared key credential")
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeConfig, "create Azure client")
	}
	return client, nil
}

func (a *azureStorage) Backend() string { return "azure" }

func classifyAzureError(err error, msg string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
			return strataerrors.Wrap(err, strataerrors.ErrorTypeNotFound, msg)
		case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure, bloberror.InsufficientAccountPermissions):
			return strataerrors.Wrap(err, strataerrors.ErrorTypePermission, msg)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return strataerrors.Wrap(err, strataerrors.ErrorTypeCancelled, msg)
	}
	return strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO, msg)
}

func (a *azureStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			metrics.StorageOperations.WithLabelValues("azure", "list", "error").Inc()
			return nil, classifyAzureError(err, "list az://"+a.container+"/"+prefix)
		}
		for _, item := range page.Segment.BlobItems {
			keys = append(keys, *item.Name)
		}
	}
	metrics.StorageOperations.WithLabelValues("azure", "list", "ok").Inc()
	return keys, nil
}

func (a *azureStorage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	opts := &azblob.DownloadStreamOptions{}
	if rng != nil {
		opts.Range = blob.HTTPRange{Offset: rng.Offset, Count: rng.Length}
	}

	resp, err := a.client.DownloadStream(ctx, a.container, key, opts)
	if err != nil {
		metrics.StorageOperations.WithLabelValues("azure", "open", "error").Inc()
		return nil, classifyAzureError(err, "open az://"+a.container+"/"+key)
	}

	metrics.StorageOperations.WithLabelValues("azure", "open", "ok").Inc()
	return newChunkedReader(resp.Body, a.readBufferSize), nil
}

func (a *azureStorage) ReadAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := a.Open(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, classifyAzureError(err, "read az://"+a.container+"/"+key)
	}
	metrics.StorageBytesRead.WithLabelValues("azure").Add(float64(len(data)))
	return data, nil
}

func (a *azureStorage) Write(ctx context.Context, key string, r io.Reader) error {
	_, err := a.client.UploadStream(ctx, a.container, key, r, &azblob.UploadStreamOptions{
		BlockSize: int64(a.writeBufferSize),
	})
	if err != nil {
		metrics.StorageOperations.WithLabelValues("azure", "write", "error").Inc()
		return classifyAzureError(err, "write az://"+a.container+"/"+key)
	}
	metrics.StorageOperations.WithLabelValues("azure", "write", "ok").Inc()
	return nil
}
